package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// QueueSnapshotProvider provides current queue stats snapshots.
// *core.Queue, *core.EventQueue and *core.Source satisfy it.
type QueueSnapshotProvider interface {
	Stats() core.QueueStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// EngineSnapshotProvider provides stats for every pool of an engine.
type EngineSnapshotProvider interface {
	Stats() []core.PoolStats
}

// SnapshotPoller periodically exports queue/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	queuesMu sync.RWMutex
	queues   map[string]QueueSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider
	engines map[string]EngineSnapshotProvider

	queuePending   *prom.GaugeVec
	queueInUse     *prom.GaugeVec
	queueWidth     *prom.GaugeVec
	queueSuspended *prom.GaugeVec
	queueDraining  *prom.GaugeVec

	poolQueued        *prom.GaugeVec
	poolActive        *prom.GaugeVec
	poolWorkers       *prom.GaugeVec
	poolIdle          *prom.GaugeVec
	poolExecuted      *prom.GaugeVec
	poolSpawnFailures *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newGauge(name, help string, labels ...string) *prom.GaugeVec {
	return prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "dispatch",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval: interval,
		queues:   make(map[string]QueueSnapshotProvider),
		pools:    make(map[string]PoolSnapshotProvider),
		engines:  make(map[string]EngineSnapshotProvider),

		queuePending:   newGauge("queue_pending", "Items waiting per queue.", "queue", "kind"),
		queueInUse:     newGauge("queue_in_use", "Width units held by running items per queue.", "queue", "kind"),
		queueWidth:     newGauge("queue_width", "Configured width per queue.", "queue", "kind"),
		queueSuspended: newGauge("queue_suspended", "Queue suspended state (1=suspended, 0=running).", "queue", "kind"),
		queueDraining:  newGauge("queue_draining", "Queue drain state (1=a goroutine owns the drain lock).", "queue", "kind"),

		poolQueued:        newGauge("pool_queued", "Queued items per pool.", "pool"),
		poolActive:        newGauge("pool_active", "Items running per pool.", "pool"),
		poolWorkers:       newGauge("pool_workers", "Worker count per pool.", "pool"),
		poolIdle:          newGauge("pool_idle", "Idle worker count per pool.", "pool"),
		poolExecuted:      newGauge("pool_executed", "Items executed per pool snapshot.", "pool"),
		poolSpawnFailures: newGauge("pool_spawn_failures", "Failed worker spawns per pool snapshot.", "pool"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.queuePending, &p.queueInUse, &p.queueWidth, &p.queueSuspended, &p.queueDraining,
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolIdle, &p.poolExecuted, &p.poolSpawnFailures,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}

	return p, nil
}

// AddQueue adds or replaces a queue snapshot provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider QueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.queuesMu.Lock()
	p.queues[name] = provider
	p.queuesMu.Unlock()
}

// RemoveQueue stops exporting a queue and deletes its series.
func (p *SnapshotPoller) RemoveQueue(name string) {
	if p == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.queuesMu.Lock()
	delete(p.queues, name)
	p.queuesMu.Unlock()

	match := prom.Labels{"queue": name}
	for _, g := range []*prom.GaugeVec{p.queuePending, p.queueInUse, p.queueWidth, p.queueSuspended, p.queueDraining} {
		g.DeletePartialMatch(match)
	}
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// AddEngine exports every pool of an engine, labelled "<name>/<pool label>".
func (p *SnapshotPoller) AddEngine(name string, provider EngineSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "engine")
	p.poolsMu.Lock()
	p.engines[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

// CollectOnce takes one snapshot of every registered provider.
func (p *SnapshotPoller) CollectOnce() {
	if p == nil {
		return
	}
	p.collectOnce()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.queuesMu.RLock()
	for name, provider := range p.queues {
		stats := provider.Stats()
		kind := stats.Kind.String()
		p.queuePending.WithLabelValues(name, kind).Set(float64(stats.Pending))
		p.queueInUse.WithLabelValues(name, kind).Set(float64(stats.InUse))
		p.queueWidth.WithLabelValues(name, kind).Set(float64(stats.Width))
		p.queueSuspended.WithLabelValues(name, kind).Set(boolGauge(stats.Suspended))
		p.queueDraining.WithLabelValues(name, kind).Set(boolGauge(stats.Draining))
	}
	p.queuesMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		p.setPool(name, provider.Stats())
	}
	for name, provider := range p.engines {
		for _, stats := range provider.Stats() {
			p.setPool(name+"/"+normalizeLabel(stats.Label, "pool"), stats)
		}
	}
	p.poolsMu.RUnlock()
}

func (p *SnapshotPoller) setPool(name string, stats core.PoolStats) {
	p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
	p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
	p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
	p.poolIdle.WithLabelValues(name).Set(float64(stats.Idle))
	p.poolExecuted.WithLabelValues(name).Set(float64(stats.Executed))
	p.poolSpawnFailures.WithLabelValues(name).Set(float64(stats.SpawnFailures))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Swind/go-dispatch/core"
	obs "github.com/Swind/go-dispatch/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func serveMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "Expose Prometheus metrics while a synthetic load runs",

		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":2112", Usage: "Listen address for /metrics"},
			&cli.Float64Flag{Name: "rate", Value: 200, Usage: "Synthetic submissions per second"},
			&cli.DurationFlag{Name: "duration", Value: 0, Usage: "Stop after this long (0 = until interrupted)"},
			&cli.DurationFlag{Name: "poll", Value: time.Second, Usage: "Snapshot poll interval"},
		},

		Action: serveMetricsAction,
	}
}

func serveMetricsAction(c *cli.Context) error {
	if c.Float64("rate") <= 0 {
		return cli.Exit("--rate must be positive", 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter("dispatch", reg, obs.ExporterOptions{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("metrics exporter: %v", err), 1)
	}
	poller, err := obs.NewSnapshotPoller(reg, c.Duration("poll"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("snapshot poller: %v", err), 1)
	}

	cfg, err := engineConfig(c)
	if err != nil {
		return err
	}
	cfg.Metrics = exporter
	engine := core.NewEngine(cfg)
	defer engine.Shutdown()

	load := newSyntheticLoad(engine)
	poller.AddEngine("engine", engine)
	for _, q := range load.queues {
		poller.AddQueue(q.Label(), q)
	}
	poller.AddQueue(load.events.Label(), load.events)
	poller.Start(ctx)
	defer poller.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: c.String("addr"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	fmt.Fprintf(c.App.Writer, "serving metrics on %s/metrics\n", c.String("addr"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return load.run(gctx, rate.NewLimiter(rate.Limit(c.Float64("rate")), 10))
	})

	if err := g.Wait(); err != nil {
		return cli.Exit(fmt.Sprintf("serve-metrics: %v", err), 1)
	}
	return nil
}

// syntheticLoad spreads work over queues of every priority, with the odd
// barrier, panic and urgent item, so every exported series moves.
type syntheticLoad struct {
	queues []*core.Queue
	events *core.Source
}

func newSyntheticLoad(engine *core.Engine) *syntheticLoad {
	l := &syntheticLoad{}
	for p := core.TaskPriorityMaintenance; p <= core.TaskPriorityUserBlocking; p++ {
		l.queues = append(l.queues,
			engine.NewQueue("load.serial."+p.String(), core.WithPriority(p, 0)),
			engine.NewQueue("load.concurrent."+p.String(), core.WithPriority(p, 0), core.Concurrent(4)))
	}
	l.events = engine.NewSource("load.events", l.queues[0], core.TraitsBestEffort(), func(ctx context.Context, n uint64) {
		time.Sleep(time.Duration(n) * time.Microsecond)
	})
	return l
}

func (l *syntheticLoad) run(ctx context.Context, limiter *rate.Limiter) error {
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		q := l.queues[rand.IntN(len(l.queues))]
		work := time.Duration(rand.IntN(5)) * time.Millisecond
		switch {
		case i%97 == 0:
			q.SubmitNamed("panic", func(ctx context.Context) { panic("synthetic panic") })
		case i%31 == 0:
			q.SubmitBarrier(func(ctx context.Context) { time.Sleep(work) })
		case i%13 == 0:
			q.SubmitWithTraits(func(ctx context.Context) { time.Sleep(work) }, core.TraitsUserBlocking())
		default:
			q.Submit(func(ctx context.Context) { time.Sleep(work) })
		}
		l.events.MergeData(1)
	}
}

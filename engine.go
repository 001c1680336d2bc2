package dispatch

import (
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// =============================================================================
// Global Engine Helper (Singleton)
// =============================================================================

var (
	globalEngine *core.Engine
	globalMu     sync.Mutex
)

// InitGlobalEngine creates the process-wide engine. A nil cfg uses
// core.DefaultEngineConfig. Calls after the first are no-ops until
// ShutdownGlobalEngine.
func InitGlobalEngine(cfg *core.EngineConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalEngine != nil {
		return
	}
	globalEngine = core.NewEngine(cfg)
}

// GlobalEngine returns the global engine.
// It panics if InitGlobalEngine has not been called.
func GlobalEngine() *core.Engine {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalEngine == nil {
		panic("dispatch: global engine not initialized; call InitGlobalEngine first")
	}
	return globalEngine
}

// ShutdownGlobalEngine shuts the global engine down and forgets it.
func ShutdownGlobalEngine() {
	globalMu.Lock()
	eng := globalEngine
	globalEngine = nil
	globalMu.Unlock()

	if eng != nil {
		eng.Shutdown()
	}
}

// ShutdownGlobalEngineGraceful waits up to timeout for queued work before
// shutting the global engine down.
func ShutdownGlobalEngineGraceful(timeout time.Duration) error {
	globalMu.Lock()
	eng := globalEngine
	globalEngine = nil
	globalMu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.ShutdownGraceful(timeout)
}

// NewSerialQueue creates a serial queue on the global engine.
func NewSerialQueue(label string, opts ...QueueOption) *Queue {
	return GlobalEngine().NewQueue(label, append([]QueueOption{core.Serial()}, opts...)...)
}

// NewConcurrentQueue creates a queue on the global engine that runs up to
// width items at once.
func NewConcurrentQueue(label string, width int, opts ...QueueOption) *Queue {
	return GlobalEngine().NewQueue(label, append([]QueueOption{core.Concurrent(width)}, opts...)...)
}

// NewEventQueue creates an event queue on the global engine and starts its
// loop goroutine.
func NewEventQueue(label string) *EventQueue {
	ev := GlobalEngine().NewEventQueue(label)
	ev.Start()
	return ev
}

// Pool returns the global engine's worker pool for p.
func Pool(p TaskPriority) *WorkerPool {
	return GlobalEngine().Pool(p)
}

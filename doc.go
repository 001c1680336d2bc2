// Package dispatch is a work-queue engine for Go.
//
// Developers submit closures to queues instead of managing goroutines. A
// serial queue runs one item at a time in submission order, a concurrent
// queue runs up to its width at once, and queues can target other queues to
// form a hierarchy whose root is a per-priority worker pool. The core design
// follows the queue model of Apple's libdispatch.
//
// # Quick Start
//
// Initialize the global engine at application startup:
//
//	dispatch.InitGlobalEngine(nil)
//	defer dispatch.ShutdownGlobalEngine()
//
// Create a serial queue:
//
//	q := dispatch.NewSerialQueue("db")
//	q.Submit(func(ctx context.Context) {
//		// runs after every earlier item of q, never alongside one
//	})
//
// # Key Concepts
//
// Queue: serial (width 1) or concurrent (width N). Barrier items run alone.
// SubmitAndWait runs an item and returns once it is done, on the calling
// goroutine when the queue and its targets are idle.
//
// TaskPriority: the QoS class of a queue or item, from Maintenance up to
// UserBlocking. A queue that holds higher-priority work raises the effective
// priority of whoever drains it.
//
// EventQueue: a queue bound to a single goroutine, preempted at item
// boundaries when more urgent work arrives.
//
// Source: coalesces data merged from any goroutine into handler calls on its
// target queue.
//
// # Misuse
//
// Calling SubmitAndWait on a serial queue from one of its own items,
// resuming a queue more often than it was suspended and similar client errors
// panic with a *core.FatalError.
//
// # Example
//
//	import (
//		"context"
//		"fmt"
//
//		dispatch "github.com/Swind/go-dispatch"
//	)
//
//	func main() {
//		dispatch.InitGlobalEngine(nil)
//		defer dispatch.ShutdownGlobalEngine()
//
//		q := dispatch.NewSerialQueue("main")
//		q.Submit(func(ctx context.Context) { fmt.Println("Task 1") })
//		q.Submit(func(ctx context.Context) { fmt.Println("Task 2") })
//		q.SubmitAndWait(context.Background(), func(ctx context.Context) {
//			fmt.Println("Task 3")
//		})
//	}
//
// For more details, see https://github.com/Swind/go-dispatch
package dispatch

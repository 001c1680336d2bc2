package core

import (
	"errors"
	"fmt"
)

// Sentinel errors carried by FatalError. Use errors.Is to match them.
var (
	ErrReentrantAcquire = errors.New("queue already owned by the calling goroutine")
	ErrRetargetShared   = errors.New("cannot retarget a queue that other queues target")
	ErrDisposeNonEmpty  = errors.New("queue disposed while items remain enqueued")
	ErrDisposeSuspended = errors.New("queue released while suspended")
	ErrSuspendOverflow  = errors.New("suspend count overflow")
	ErrResumeInactive   = errors.New("resume of an inactive queue")
	ErrOverResume       = errors.New("resume without matching suspend")
	ErrDoubleWait       = errors.New("work item waited on more than once")
	ErrInvariant        = errors.New("internal invariant violated")
	ErrWidthRange       = errors.New("queue width out of range")
	ErrTargetCycle      = errors.New("target chain forms a cycle")
	ErrThreadExhausted  = errors.New("worker spawn retries exhausted")
	ErrNotOnQueue       = errors.New("not running on the expected queue")
	ErrOnQueue          = errors.New("running on a queue that must not be current")
	ErrBadTarget        = errors.New("target cannot receive work items")
)

// ErrEngineClosed is returned (or reported to the RejectedTaskHandler) for work
// submitted after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// FatalError describes client misuse or a broken internal invariant. It is
// raised with panic; the engine never returns it as a value.
type FatalError struct {
	Op    string
	Queue string
	Err   error
}

func (e *FatalError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("dispatch: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dispatch: %s %q: %v", e.Op, e.Queue, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal logs the failure and panics with a *FatalError.
func fatal(logger Logger, op, queue string, err error) {
	fe := &FatalError{Op: op, Queue: queue, Err: err}
	if logger != nil {
		logger.Error("fatal dispatch error",
			F("op", op),
			F("queue", queue),
			F("error", err.Error()),
		)
	}
	panic(fe)
}

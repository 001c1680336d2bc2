package core

import (
	"context"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, barrier, name)
// =============================================================================

type TaskTraits struct {
	Priority TaskPriority
	// Relative is the offset within Priority, in [MinRelativePriority, 0].
	Relative int
	// Barrier makes the item exclusive on its queue.
	Barrier bool
	// Name shows up in task history; defaults to the function name.
	Name string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsUserInitiated() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserInitiated}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func (t TaskTraits) priority() Priority {
	return Priority{QoS: clampPriority(t.Priority), Relative: normalizeRelative(t.Relative)}
}

// =============================================================================
// Submitter: what a timer or a notification needs to post work
// =============================================================================

// Submitter is implemented by every kind that accepts asynchronous work.
type Submitter interface {
	SubmitWithTraits(task Task, traits TaskTraits)
}

// =============================================================================
// Context Helper
// =============================================================================

type taskFrameKeyType struct{}

var taskFrameKey taskFrameKeyType

// taskFrame is attached to the context of every running item.
type taskFrame struct {
	target  Target
	tracker *priorityTracker
	tid     uint32
	started time.Time
}

func frameFromContext(ctx context.Context) *taskFrame {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(taskFrameKey); v != nil {
		return v.(*taskFrame)
	}
	return nil
}

// CurrentQueue returns the queue (or pool / event queue) the running item was
// submitted to, or nil when ctx does not belong to a running item.
func CurrentQueue(ctx context.Context) Target {
	if f := frameFromContext(ctx); f != nil {
		return f.target
	}
	return nil
}

// CurrentPriority returns the effective priority of the goroutine running the
// item, including any override received while draining.
func CurrentPriority(ctx context.Context) TaskPriority {
	if f := frameFromContext(ctx); f != nil && f.tracker != nil {
		return f.tracker.effective()
	}
	return TaskPriorityUnspecified
}

// GetSpecific looks key up on the current queue and then along its target chain.
func GetSpecific(ctx context.Context, key any) (any, bool) {
	for t := CurrentQueue(ctx); t != nil; t = t.parent() {
		q, ok := t.(*Queue)
		if !ok {
			continue
		}
		if v, ok := q.Specific(key); ok {
			return v, true
		}
	}
	return nil, false
}

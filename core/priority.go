package core

import "fmt"

// =============================================================================
// TaskPriority: ordered QoS classes
// =============================================================================

// TaskPriority is the QoS class of a work item, pool or queue.
// Higher values are more urgent. The zero value means "not specified" and is
// resolved against the queue or the submitter when the item is enqueued.
type TaskPriority int

const (
	// TaskPriorityUnspecified defers the decision to the queue or the engine.
	TaskPriorityUnspecified TaskPriority = iota

	// TaskPriorityMaintenance is for housekeeping the user never waits on.
	TaskPriorityMaintenance

	// TaskPriorityBestEffort: Lowest user-facing priority
	TaskPriorityBestEffort

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserInitiated is work the user started and is waiting for.
	TaskPriorityUserInitiated

	// TaskPriorityUserBlocking: Highest priority
	// `UserBlocking` means the work is on the path of something the user is blocked on.
	TaskPriorityUserBlocking
)

// numPriorities is the number of QoS classes including Unspecified.
const numPriorities = int(TaskPriorityUserBlocking) + 1

// MinRelativePriority is the lowest relative offset accepted within a QoS class.
const MinRelativePriority = -15

var priorityNames = [numPriorities]string{
	"unspecified",
	"maintenance",
	"best_effort",
	"user_visible",
	"user_initiated",
	"user_blocking",
}

func (p TaskPriority) String() string {
	if p < 0 || int(p) >= numPriorities {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined classes.
func (p TaskPriority) Valid() bool {
	return p >= TaskPriorityUnspecified && int(p) < numPriorities
}

func maxPriority(a, b TaskPriority) TaskPriority {
	if a > b {
		return a
	}
	return b
}

func clampPriority(p TaskPriority) TaskPriority {
	if p < TaskPriorityUnspecified {
		return TaskPriorityUnspecified
	}
	if int(p) >= numPriorities {
		return TaskPriorityUserBlocking
	}
	return p
}

// =============================================================================
// Priority: layered priority descriptor
// =============================================================================

// Priority is the layered priority of a queue or submission.
//
// QoS is the requested class and Relative the offset inside it (0 or negative).
// Fallback is used when QoS is unspecified. Floor is a lower bound that applies
// regardless of what was requested; overrides raise the effective class at run
// time and are tracked separately by the drainer.
type Priority struct {
	QoS      TaskPriority
	Relative int8
	Floor    TaskPriority
	Fallback TaskPriority
}

// Effective returns the QoS class this descriptor runs at.
func (p Priority) Effective() TaskPriority {
	q := p.QoS
	if q == TaskPriorityUnspecified {
		q = p.Fallback
	}
	return maxPriority(clampPriority(q), clampPriority(p.Floor))
}

// Resolve returns p with an unspecified effective class replaced by def.
func (p Priority) Resolve(def TaskPriority) Priority {
	if p.Effective() == TaskPriorityUnspecified {
		p.Fallback = def
	}
	return p
}

// MergePriority combines two descriptors. The result carries the higher
// effective class; when both classes are equal the higher relative offset wins.
// Floors merge by max. Merging is commutative and never lowers either input.
func MergePriority(a, b Priority) Priority {
	ea, eb := a.Effective(), b.Effective()
	out := a
	switch {
	case eb > ea:
		out = b
	case eb == ea && b.Relative > a.Relative:
		out = b
	}
	out.QoS = maxPriority(ea, eb)
	out.Fallback = TaskPriorityUnspecified
	out.Floor = maxPriority(a.Floor, b.Floor)
	return out
}

func normalizeRelative(rel int) int8 {
	if rel > 0 {
		return 0
	}
	if rel < MinRelativePriority {
		return MinRelativePriority
	}
	return int8(rel)
}

package dispatch

import "github.com/Swind/go-dispatch/core"

// Re-export commonly used types from core so most callers only import dispatch.

// Task is the unit of work.
type Task = core.Task

// TaskTraits describes a single submission (priority, barrier, name).
type TaskTraits = core.TaskTraits

// TaskPriority is the QoS class of a queue or item.
type TaskPriority = core.TaskPriority

// Priority is the layered priority of a queue.
type Priority = core.Priority

// Queue is a serial or concurrent queue.
type Queue = core.Queue

// QueueOption configures a queue at creation.
type QueueOption = core.QueueOption

// EventQueue is a queue bound to one goroutine.
type EventQueue = core.EventQueue

// WorkerPool is the root queue of one QoS class.
type WorkerPool = core.WorkerPool

// Source coalesces data merged from any goroutine into handler calls.
type Source = core.Source

// WorkItem is a cancellable, waitable one-shot item.
type WorkItem = core.WorkItem

// Target is anything a queue can forward its work to.
type Target = core.Target

// Submitter is anything that accepts asynchronous work.
type Submitter = core.Submitter

// FatalError is the panic value of client misuse.
type FatalError = core.FatalError

type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// Priority constants
const (
	TaskPriorityUnspecified   = core.TaskPriorityUnspecified
	TaskPriorityMaintenance   = core.TaskPriorityMaintenance
	TaskPriorityBestEffort    = core.TaskPriorityBestEffort
	TaskPriorityUserVisible   = core.TaskPriorityUserVisible
	TaskPriorityUserInitiated = core.TaskPriorityUserInitiated
	TaskPriorityUserBlocking  = core.TaskPriorityUserBlocking
)

// Convenience functions for creating TaskTraits and queue options
var (
	DefaultTaskTraits   = core.DefaultTaskTraits
	TraitsUserBlocking  = core.TraitsUserBlocking
	TraitsUserInitiated = core.TraitsUserInitiated
	TraitsUserVisible   = core.TraitsUserVisible
	TraitsBestEffort    = core.TraitsBestEffort

	WithTarget        = core.WithTarget
	WithPriority      = core.WithPriority
	WithPriorityFloor = core.WithPriorityFloor
	WithHistory       = core.WithHistory
	Inactive          = core.Inactive

	NewWorkItem    = core.NewWorkItem
	SubmitAndReply = core.SubmitAndReply
)

// CurrentQueue returns the queue whose item is running with ctx.
var CurrentQueue = core.CurrentQueue

// CurrentPriority returns the effective priority of the running item.
var CurrentPriority = core.CurrentPriority

// GetSpecific looks key up on the current queue and its targets.
var GetSpecific = core.GetSpecific

// SubmitAndReplyWithResult runs task on target and hands its result to reply on replyTo.
func SubmitAndReplyWithResult[T any](target Submitter, task TaskWithResult[T], replyTo Submitter, reply ReplyWithResult[T]) {
	core.SubmitAndReplyWithResult(target, task, replyTo, reply)
}

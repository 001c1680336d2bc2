package core

import "context"

// TaskWithResult is a task that produces a value for a reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the value produced by a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// SubmitAndReply runs task on target and, once it returns, submits reply to
// replyTo. A task that panics never triggers its reply; the panic reaches the
// engine's PanicHandler as usual.
//
// A nil replyTo submits task alone.
func SubmitAndReply(target Submitter, task Task, taskTraits TaskTraits, replyTo Submitter, reply Task, replyTraits TaskTraits) {
	if replyTo == nil {
		target.SubmitWithTraits(task, taskTraits)
		return
	}
	target.SubmitWithTraits(func(ctx context.Context) {
		completed := false
		defer func() {
			if completed {
				replyTo.SubmitWithTraits(reply, replyTraits)
			}
		}()
		task(ctx)
		completed = true
	}, taskTraits)
}

// SubmitAndReplyWithResult passes the result of task to reply on replyTo.
// The reply always observes the values written by the task.
//
// Example:
//
//	core.SubmitAndReplyWithResult(
//	    background,
//	    func(ctx context.Context) (*User, error) { return loadUser(ctx) },
//	    ui,
//	    func(ctx context.Context, u *User, err error) { render(u, err) },
//	)
func SubmitAndReplyWithResult[T any](target Submitter, task TaskWithResult[T], replyTo Submitter, reply ReplyWithResult[T]) {
	SubmitAndReplyWithResultAndTraits(target, task, DefaultTaskTraits(), replyTo, reply, DefaultTaskTraits())
}

// SubmitAndReplyWithResultAndTraits is SubmitAndReplyWithResult with separate
// traits for the task and the reply, e.g. BestEffort work with a UserBlocking
// reply.
func SubmitAndReplyWithResultAndTraits[T any](
	target Submitter,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	replyTo Submitter,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
) {
	var result T
	var err error

	SubmitAndReply(
		target,
		func(ctx context.Context) { result, err = task(ctx) },
		taskTraits,
		replyTo,
		func(ctx context.Context) { reply(ctx, result, err) },
		replyTraits,
	)
}

// Package tasks provides the cooperative scheduling substrate: a poll-driven
// single-goroutine event loop, a thread-backed runner, a task group with a
// worker pool, timers and an event bus layered on top.
package tasks

// TaskRunner schedules closures onto a serialising execution context.
// Implementations guarantee that all posted tasks and FD-watch callbacks run
// on one dedicated goroutine, so consumers never need their own locking for
// state touched only from tasks.
type TaskRunner interface {
	// PostTask enqueues a task for execution as soon as possible. Tasks
	// posted from the same goroutine run in post order.
	PostTask(f func())

	// PostDelayedTask enqueues a task to run no earlier than delayMS
	// milliseconds from now.
	PostDelayedTask(f func(), delayMS uint32)

	// AddFDWatch registers a callback invoked on the runner's goroutine
	// whenever fd becomes readable. At most one watch per fd.
	AddFDWatch(fd int, f func())

	// RemoveFDWatch unregisters the watch for fd.
	RemoveFDWatch(fd int)

	// RunsTasksOnCurrentThread reports whether the caller is running on
	// the runner's own thread.
	RunsTasksOnCurrentThread() bool
}

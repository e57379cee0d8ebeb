package xrdif

import "time"

// Task is deferred work registered with the TaskManager, e.g. the
// reconnect trigger that re-enters EnableLink after the connection
// window elapses.
type Task interface {
	// Run executes the task at (at least) the scheduled time.
	Run(now time.Time)
}

// TaskManager defers work to run at a later time on its own pool,
// independent of the I/O threads driving socket callbacks.
type TaskManager interface {
	RegisterTask(task Task, when time.Time)
}

// Job is a fire-and-forget unit of work dispatched off the I/O thread,
// typically a handler's completion callback for a non-partial
// response.
type Job interface {
	Run()
}

// JobManager runs Jobs on its own pool so handler callbacks never
// execute on an I/O callback thread.
type JobManager interface {
	QueueJob(job Job)
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func()

func (f JobFunc) Run() { f() }

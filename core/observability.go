package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	Seq        uint64
	Name       string
	QueueName  string
	QueueKind  QueueKind
	Priority   TaskPriority
	WorkerID   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// QueueStats represents the observable state of a queue.
type QueueStats struct {
	Label     string
	Kind      QueueKind
	Role      string
	Width     int
	InUse     int
	Suspended bool
	Inactive  bool
	Enqueued  bool
	Draining  bool
	Barrier   bool
	Pending   int
	MaxQoS    TaskPriority
	Target    string
	Targeted  int
	State     string
}

// PoolStats represents the observable state of a worker pool.
type PoolStats struct {
	Label         string
	QoS           TaskPriority
	Workers       int
	Idle          int
	SpawnPending  bool
	Queued        int
	Active        int
	Executed      uint64
	SpawnFailures uint64
}

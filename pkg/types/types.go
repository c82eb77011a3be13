// Package types defines the orchestrator core's shared entity model
// (§3): Task, WorkflowExecution, Step, Pool, Worker, Checkpoint,
// and Breaker. Every other package imports these instead of rolling
// its own copy, so the cyclic pool<->worker and workflow<->checkpoint
// entity relationships are expressed here as id
// references, never back-pointers (Design Notes §9).
package types

import "time"

// TaskID, WorkflowID, PoolID, and WorkerID are distinct string types to
// avoid primitive obsession across component boundaries.
type (
	TaskID     string
	WorkflowID string
	PoolID     string
	WorkerID   string
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Task is the unit of work submitted to the orchestrator (§3).
type Task struct {
	ID             TaskID
	Type           string
	Params         map[string]any
	CreatedAt      time.Time
	Deadline       time.Time
	Priority       int
	IdempotencyKey string
	Status         TaskStatus
	WorkflowID     WorkflowID // weak reference; lookup only, no back-pointer
}

// WorkflowStatus is the lifecycle state of a WorkflowExecution.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkflowExecution is the sequenced execution of one Task (§4.9).
type WorkflowExecution struct {
	ID            WorkflowID
	TaskID        TaskID
	PoolID        PoolID
	Adapter       string
	Steps         []Step
	CurrentStep   int
	Status        WorkflowStatus
	CheckpointRef string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
	Degraded      bool
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepOK            StepStatus = "ok"
	StepRetryableFail StepStatus = "retryable_fail"
	StepTerminalFail  StepStatus = "terminal_fail"
)

// Step is the smallest unit of work inside a workflow, with its own
// retry/timeout/circuit-breaker envelope (§4.9, §5).
type Step struct {
	Name      string
	Inputs    map[string]any
	Outputs   map[string]any
	Status    StepStatus
	Attempts  int
	LastError string
}

// PoolType names the execution engine family backing a Pool.
type PoolType string

const (
	PoolLocal     PoolType = "local"
	PoolDelegated PoolType = "delegated"
	PoolRemote    PoolType = "remote"
)

// PoolState is the lifecycle state of a Pool.
type PoolState string

const (
	PoolRunningState  PoolState = "running"
	PoolDrainingState PoolState = "draining"
	PoolClosedState   PoolState = "closed"
)

// PoolMetrics are the per-pool metrics required by §4.7, queried
// by the router and surfaced over /health/components and pool.health.
type PoolMetrics struct {
	ActiveWorkers     int
	QueuedTasks       int
	InFlightTasks     int
	Completed         int64
	Failed            int64
	AverageStepMillis float64
	BreakerState      string
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerSpawned  WorkerStatus = "spawned"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerRecycled WorkerStatus = "recycled"
	WorkerClosed   WorkerStatus = "closed"
)

// Worker is a single execution context owned by exactly one Pool
// (§3). PoolID is a value, never a pointer back into the pool, so
// pool and worker tables can be indexed independently.
type Worker struct {
	ID            WorkerID
	PoolID        PoolID
	Type          string
	Status        WorkerStatus
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// BreakerState mirrors the CircuitBreaker state machine (§4.2).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Result is the tagged-variant outcome of an adapter/worker call
// (Design Notes §9: no ad-hoc dicts for results at the internal bus
// boundary — adapters parse their own typed payload out of Output).
type Result struct {
	Success  bool
	Output   map[string]any
	Error    error
	Duration time.Duration
}

package adapter

import (
	"context"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// StepExecutor runs one step's business logic in-process and returns
// its output payload. Callers register one per step name; an unknown
// step name is an Invalid error, never a panic.
type StepExecutor func(ctx context.Context, step types.Step) (map[string]any, error)

// Local is the in-process/child-process adapter variant (§4.5
// "local"): a goroutine running a payload under a per-call context,
// dispatching to a caller-registered StepExecutor per step name
// instead of a fixed simulated workload.
type Local struct {
	executors map[string]StepExecutor
	healthy   bool
}

// NewLocal builds a Local adapter. Register executors with Register
// before calling Initialize.
func NewLocal() *Local {
	return &Local{executors: make(map[string]StepExecutor)}
}

// Register binds a StepExecutor to a step name.
func (l *Local) Register(stepName string, fn StepExecutor) {
	l.executors[stepName] = fn
}

func (l *Local) Name() string { return "local" }

func (l *Local) Initialize(ctx context.Context) error {
	l.healthy = true
	return nil
}

func (l *Local) Health(ctx context.Context) (Health, error) {
	if !l.healthy {
		return Health{Healthy: false, Detail: "not initialized"}, nil
	}
	return Health{Healthy: true}, nil
}

// Execute runs the step's registered executor to completion or until
// ctx is cancelled, racing the executor against ctx.Done() the same
// way internal/worker's manager does for worker payloads.
func (l *Local) Execute(ctx context.Context, step types.Step) (types.Result, error) {
	fn, ok := l.executors[step.Name]
	if !ok {
		return types.Result{}, errs.New(errs.Invalid, "no local executor registered for step %q", step.Name)
	}

	start := time.Now()
	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := fn(ctx, step)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return types.Result{Success: false, Error: ctx.Err(), Duration: time.Since(start)}, ctx.Err()
	case o := <-done:
		return types.Result{Success: o.err == nil, Output: o.output, Error: o.err, Duration: time.Since(start)}, o.err
	}
}

// Cancel is a no-op for Local: the Execute goroutine already races
// ctx.Done(), which the caller controls by cancelling the same ctx it
// passed to Execute.
func (l *Local) Cancel(ctx context.Context, taskID types.TaskID) error { return nil }

func (l *Local) Shutdown(ctx context.Context) error {
	l.healthy = false
	return nil
}

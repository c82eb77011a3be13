// Package workflow implements the WorkflowEngine (§4.9): a
// strictly sequential step runner with a retry · circuit-breaker ·
// timeout envelope per step, atomic checkpointing, resume-from-next-
// step semantics, and exactly-once transition events. One record per
// workflow, one authoritative Status field, explicit allowed
// transitions between steps.
package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lesleslie/mahavishnu/internal/audit"
	"github.com/lesleslie/mahavishnu/internal/breaker"
	"github.com/lesleslie/mahavishnu/internal/checkpoint"
	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/retry"
	"github.com/lesleslie/mahavishnu/pkg/ids"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// PoolExecutor runs one step's payload against a pool, the same shape
// as internal/pool.Manager.Execute — passed in rather than imported
// directly so the engine can be tested against a fake.
type PoolExecutor func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error)

// AdapterCanceler requests best-effort cancellation of an in-flight
// step through the owning pool's adapter (§4.9 step 5). The engine
// discards its errors; they are neither logged nor surfaced, since
// cancellation is always best-effort.
type AdapterCanceler func(ctx context.Context, poolID types.PoolID, taskID types.TaskID) error

// Deps wires the engine's collaborators.
type Deps struct {
	Checkpoints *checkpoint.Store
	Breakers    *breaker.Registry
	Execute     PoolExecutor
	Cancel      AdapterCanceler // optional
	Events      *audit.Buffer
	IDs         *ids.Source
	RetryPolicy retry.Policy
	StepTimeout time.Duration // default per-step timeout when a Step doesn't specify one
}

// Engine runs workflows to completion (§4.9).
type Engine struct {
	deps    Deps
	mu      sync.RWMutex
	wfs     map[types.WorkflowID]*types.WorkflowExecution
	cancels map[types.WorkflowID]context.CancelFunc
}

// New builds a WorkflowEngine.
func New(deps Deps) *Engine {
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 30 * time.Second
	}
	return &Engine{
		deps:    deps,
		wfs:     make(map[types.WorkflowID]*types.WorkflowExecution),
		cancels: make(map[types.WorkflowID]context.CancelFunc),
	}
}

// Start assigns a workflow id, persists the initial record in memory,
// and returns it without running any step — callers drive execution
// with Run (§4.9 step 1). adapterName records which adapter the
// caller asked for (§6 "List workflows" filters by it); it may be
// empty when the caller leaves adapter selection to the router.
func (e *Engine) Start(taskID types.TaskID, poolID types.PoolID, adapterName string, steps []types.Step) types.WorkflowID {
	id := types.WorkflowID(e.deps.IDs.New())
	wf := &types.WorkflowExecution{
		ID:        id,
		TaskID:    taskID,
		PoolID:    poolID,
		Adapter:   adapterName,
		Steps:     steps,
		Status:    types.WorkflowRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	e.mu.Lock()
	e.wfs[id] = wf
	e.mu.Unlock()
	return id
}

// Get returns a snapshot of workflowID's current record.
func (e *Engine) Get(workflowID types.WorkflowID) (types.WorkflowExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.wfs[workflowID]
	if !ok {
		return types.WorkflowExecution{}, false
	}
	return *wf, true
}

// ListFilter narrows List's results (§6 "List workflows").
type ListFilter struct {
	Status  types.WorkflowStatus // empty matches any status
	Adapter string               // empty matches any adapter
	Limit   int                  // <= 0 means no limit
	Offset  int
}

// List returns a snapshot of every workflow record matching filter,
// ordered by CreatedAt ascending, with Limit/Offset applied last.
func (e *Engine) List(filter ListFilter) []types.WorkflowExecution {
	e.mu.RLock()
	matched := make([]types.WorkflowExecution, 0, len(e.wfs))
	for _, wf := range e.wfs {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.Adapter != "" && wf.Adapter != filter.Adapter {
			continue
		}
		matched = append(matched, *wf)
	}
	e.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []types.WorkflowExecution{}
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Run executes workflowID's steps in order starting at CurrentStep,
// until completion, terminal failure, or ctx cancellation (§4.9
// steps 2-5). While Run is in flight, Cancel(workflowID) can request
// early termination regardless of whether ctx itself is ever
// cancelled by its own caller.
func (e *Engine) Run(ctx context.Context, workflowID types.WorkflowID) error {
	wf, err := e.lookup(workflowID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, workflowID)
		e.mu.Unlock()
		cancel()
	}()

	if wf.CurrentStep == 0 {
		e.emit(audit.Event{Type: "workflow.started", WorkflowID: string(workflowID)})
	}

	for i := wf.CurrentStep; i < len(wf.Steps); i++ {
		if err := ctx.Err(); err != nil {
			e.cancel(ctx, wf)
			return errs.Wrap(errs.Cancelled, err, "workflow %q cancelled before step %d", workflowID, i)
		}

		step := &wf.Steps[i]
		step.Status = types.StepRunning
		step.Attempts++

		result, stepErr := e.runStep(ctx, wf, step)

		if stepErr != nil && errs.Is(stepErr, errs.Cancelled) {
			step.Status = types.StepRetryableFail
			e.cancel(ctx, wf)
			return stepErr
		}

		if stepErr != nil {
			step.LastError = stepErr.Error()
			if errs.IsRetryable(stepErr) {
				step.Status = types.StepRetryableFail
			} else {
				step.Status = types.StepTerminalFail
			}
			return e.fail(wf, i, stepErr)
		}

		step.Status = types.StepOK
		step.Outputs = result.Output
		if err := e.checkpointStep(wf, i); err != nil {
			return e.fail(wf, i, err)
		}

		e.setCurrentStep(wf, i+1)
		e.emit(audit.Event{Type: "workflow.step_completed", WorkflowID: string(workflowID),
			Detail: map[string]any{"step": step.Name, "index": i}})
	}

	return e.succeed(wf)
}

func (e *Engine) runStep(ctx context.Context, wf *types.WorkflowExecution, step *types.Step) (types.Result, error) {
	var result types.Result
	b := e.deps.Breakers.Get(string(wf.PoolID))

	outcome, err := retry.Do(ctx, e.deps.RetryPolicy, e.deps.StepTimeout*time.Duration(e.deps.RetryPolicy.MaxAttempts), func(ctx context.Context) error {
		res, callErr := b.Execute(ctx, func(ctx context.Context) (types.Result, error) {
			stepCtx, cancel := context.WithTimeout(ctx, e.deps.StepTimeout)
			defer cancel()
			return e.deps.Execute(stepCtx, wf.PoolID, step.Inputs, e.deps.StepTimeout)
		})
		result = res
		return callErr
	})
	_ = outcome
	return result, err
}

func (e *Engine) checkpointStep(wf *types.WorkflowExecution, stepIndex int) error {
	step := wf.Steps[stepIndex]
	blob, err := json.Marshal(step.Outputs)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal checkpoint for step %q", step.Name)
	}

	var base uint64
	if rec, ok, err := e.deps.Checkpoints.GetLatest(string(wf.ID)); err != nil {
		return err
	} else if ok {
		base = rec.Version
	}

	if _, err := e.deps.Checkpoints.Put(string(wf.ID), step.Name, blob, base); err != nil {
		return err
	}
	wf.CheckpointRef = step.Name
	return nil
}

// Resume reads the latest committed checkpoint for workflowID and
// continues execution from the step after it (§4.9 resume
// semantics).
func (e *Engine) Resume(ctx context.Context, workflowID types.WorkflowID) error {
	wf, err := e.lookup(workflowID)
	if err != nil {
		return err
	}

	rec, ok, err := e.deps.Checkpoints.GetLatest(string(workflowID))
	if err != nil {
		return err
	}
	if ok {
		for i, step := range wf.Steps {
			if step.Name == rec.Step {
				e.setCurrentStep(wf, i+1)
				break
			}
		}
	}
	e.setStatus(wf, types.WorkflowRunning)
	return e.Run(ctx, workflowID)
}

// Cancel requests early termination of workflowID's in-flight Run
// call (§4.9 step 5). It is a no-op, not an error, if the workflow
// isn't currently running — e.g. it already reached a terminal status,
// or Run hasn't been called yet. The actual status transition to
// WorkflowCancelled and adapter-side best-effort cancel happen inside
// Run once it observes ctx.Err() at the next step boundary or sees its
// in-flight step's context cancelled.
func (e *Engine) Cancel(workflowID types.WorkflowID) error {
	if _, err := e.lookup(workflowID); err != nil {
		return err
	}
	e.mu.RLock()
	cancel, ok := e.cancels[workflowID]
	e.mu.RUnlock()
	if ok {
		cancel()
	}
	return nil
}

func (e *Engine) fail(wf *types.WorkflowExecution, stepIndex int, cause error) error {
	e.setStatus(wf, types.WorkflowFailed)
	e.mu.Lock()
	wf.LastError = cause.Error()
	wf.UpdatedAt = time.Now()
	e.mu.Unlock()
	e.emit(audit.Event{Type: "workflow.failed", WorkflowID: string(wf.ID),
		Detail: map[string]any{"step_index": stepIndex, "error": cause.Error()}})
	return cause
}

func (e *Engine) succeed(wf *types.WorkflowExecution) error {
	e.setStatus(wf, types.WorkflowSucceeded)
	_ = e.deps.Checkpoints.Delete(string(wf.ID))
	e.emit(audit.Event{Type: "workflow.completed", WorkflowID: string(wf.ID)})
	return nil
}

func (e *Engine) cancel(ctx context.Context, wf *types.WorkflowExecution) {
	if e.deps.Cancel != nil {
		// Best effort; cancellation failures are not surfaced, per
		// §4.9 step 5's "request cancel through the pool's
		// adapter" without a retry contract.
		_ = e.deps.Cancel(context.Background(), wf.PoolID, wf.TaskID)
	}
	e.setStatus(wf, types.WorkflowCancelled)
	e.emit(audit.Event{Type: "workflow.cancelled", WorkflowID: string(wf.ID)})
}

func (e *Engine) lookup(workflowID types.WorkflowID) (*types.WorkflowExecution, error) {
	e.mu.RLock()
	wf, ok := e.wfs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "workflow %q not found", workflowID)
	}
	return wf, nil
}

func (e *Engine) setStatus(wf *types.WorkflowExecution, status types.WorkflowStatus) {
	e.mu.Lock()
	wf.Status = status
	wf.UpdatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) setCurrentStep(wf *types.WorkflowExecution, idx int) {
	e.mu.Lock()
	wf.CurrentStep = idx
	wf.UpdatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) emit(ev audit.Event) {
	if e.deps.Events != nil {
		e.deps.Events.Record(ev)
	}
}

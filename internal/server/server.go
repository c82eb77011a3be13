// Package server exposes the orchestrator's request/response surface
// over HTTP (§6): task submission, status, cancellation, listing,
// pool/worker/adapter admin, and the liveness/readiness/component
// probes. A generated-gRPC surface would need compiled protobuf
// stubs that aren't available here — the same gap that led
// internal/adapter/http.go to a plain net/http+JSON client. Routing
// here uses go-chi/chi/v5, the same router style used elsewhere for
// comparable HTTP surfaces.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lesleslie/mahavishnu/internal/adapter"
	"github.com/lesleslie/mahavishnu/internal/audit"
	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/health"
	"github.com/lesleslie/mahavishnu/internal/metrics"
	"github.com/lesleslie/mahavishnu/internal/pool"
	"github.com/lesleslie/mahavishnu/internal/router"
	"github.com/lesleslie/mahavishnu/internal/worker"
	"github.com/lesleslie/mahavishnu/internal/workflow"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// Deps bundles the components the HTTP surface delegates to.
type Deps struct {
	Router            *router.Router
	Pools             *pool.Manager
	Workers           *worker.Manager
	Adapters          *adapter.Registry
	Workflows         *workflow.Engine
	Health            *health.Supervisor
	Metrics           *metrics.Collector
	Events            *audit.Buffer
	Logger            *slog.Logger
	IdempotencyWindow time.Duration // how long a submit's idempotency_key+params digest is remembered; defaults to 5m
}

// Server wires Deps into a chi.Mux (§6's full request/response
// surface plus probes).
type Server struct {
	deps        Deps
	mux         *chi.Mux
	idempotency *idempotencyIndex
}

// New builds a Server and registers every route.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: chi.NewRouter(), idempotency: newIdempotencyIndex(deps.IdempotencyWindow)}
	s.mux.Use(middleware.Recoverer)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.Get("/health", s.handleLiveness)
	s.mux.Get("/ready", s.handleReadiness)
	s.mux.Get("/health/components", s.handleComponentReport)

	// /metrics is mounted by the caller against the Runtime's private
	// registry (internal/runtime), since Collector doesn't own a
	// registry reference itself.

	s.mux.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{workflowID}", s.handleStatus)
		r.Post("/{workflowID}/cancel", s.handleCancel)
	})

	s.mux.Route("/pools", func(r chi.Router) {
		r.Post("/", s.handlePoolSpawn)
		r.Get("/", s.handlePoolList)
		r.Get("/{poolID}/health", s.handlePoolHealth)
		r.Post("/{poolID}/scale", s.handlePoolScale)
		r.Post("/{poolID}/drain", s.handlePoolDrain)
		r.Post("/{poolID}/close", s.handlePoolClose)
	})

	s.mux.Route("/adapters", func(r chi.Router) {
		r.Get("/", s.handleAdapterList)
		r.Post("/{name}/enable", s.handleAdapterEnable)
		r.Post("/{name}/disable", s.handleAdapterDisable)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := map[errs.Kind]int{
		errs.NotFound:       http.StatusNotFound,
		errs.Invalid:        http.StatusBadRequest,
		errs.Unauthorized:   http.StatusUnauthorized,
		errs.Conflict:       http.StatusConflict,
		errs.Exhausted:      http.StatusTooManyRequests,
		errs.Timeout:        http.StatusGatewayTimeout,
		errs.Cancelled:      http.StatusGone,
		errs.DependencyDown: http.StatusServiceUnavailable,
		errs.Internal:       http.StatusInternalServerError,
	}[kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}

// handleLiveness serves the /health liveness probe (§4.10).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil || s.deps.Health.Alive() {
		writeJSON(w, http.StatusOK, map[string]any{"alive": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"alive": false})
}

// handleReadiness serves the /ready readiness probe (§4.10).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil || s.deps.Health.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
}

// handleComponentReport serves the /health/components deep report
// (§4.10).
func (s *Server) handleComponentReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"components": map[string]string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":    s.deps.Health.Overall(),
		"components": s.deps.Health.Components(),
	})
}

type submitRequest struct {
	TaskType        string         `json:"task_type"`
	Params          map[string]any `json:"params"`
	Adapter         string         `json:"adapter,omitempty"`
	PoolID          string         `json:"pool_id,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	DeadlineSeconds int            `json:"deadline_seconds,omitempty"`
	RoutingStrategy string         `json:"routing_strategy,omitempty"`
}

type submitResponse struct {
	WorkflowID string    `json:"workflow_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// handleSubmit implements "submit" (§6): selects a pool through
// the Router's admission gate, then starts a single-step workflow
// wrapping the submitted task and runs it in the background
// (runWorkflow); handleSubmit returns as soon as the workflow is
// admitted.
//
// A non-empty idempotency_key makes this call idempotent within
// s.idempotency's window (§8 testable property 9): a repeat submit
// carrying the same key and the same params returns the original
// workflow_id without admitting or running a second workflow. Params
// are folded into the dedup key (via idempotencyDigest) so the same
// key with different params is treated as a distinct submission, not a
// duplicate — a key collision with different params is a caller bug,
// not a retry, and must not be silently merged.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Invalid, err, "decode submit request"))
		return
	}
	if req.TaskType == "" {
		writeError(w, errs.New(errs.Invalid, "task_type is required"))
		return
	}

	admit := func() (types.WorkflowID, error) {
		strategy := router.Strategy(req.RoutingStrategy)
		if strategy == "" {
			strategy = router.RoundRobin
		}

		poolID, release, err := s.deps.Router.Select(r.Context(), router.SelectRequest{
			Strategy:  strategy,
			TenantKey: req.IdempotencyKey,
			StickyKey: req.PoolID,
		})
		if err != nil {
			return "", err
		}

		step := types.Step{Name: req.TaskType, Inputs: req.Params}
		workflowID := s.deps.Workflows.Start(types.TaskID(req.IdempotencyKey), poolID, req.Adapter, []types.Step{step})
		s.runWorkflow(workflowID, req.DeadlineSeconds, release)
		return workflowID, nil
	}

	var workflowID types.WorkflowID
	var err error
	if req.IdempotencyKey != "" {
		digest := idempotencyDigest(req.IdempotencyKey, req.Params)
		workflowID, _, err = s.idempotency.resolve(digest, admit)
	} else {
		workflowID, err = admit()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{WorkflowID: string(workflowID), AcceptedAt: time.Now()})
}

// runWorkflow starts Run in the background against a context
// independent of the request's, since the request ends (and its ctx
// cancels) as soon as handleSubmit returns — a workflow that cares
// about the request's own lifetime has no way to express that. When
// deadlineSeconds is positive, Run is bounded by that deadline instead
// of running unbounded. release frees the workflow's admission slot
// once Run returns.
func (s *Server) runWorkflow(workflowID types.WorkflowID, deadlineSeconds int, release func()) {
	ctx := context.Background()
	cancel := func() {}
	if deadlineSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(deadlineSeconds)*time.Second)
	}
	go func() {
		defer release()
		defer cancel()
		if err := s.deps.Workflows.Run(ctx, workflowID); err != nil {
			s.deps.Logger.Warn("workflow run failed", "workflow_id", workflowID, "error", err)
		}
	}()
}

type statusResponse struct {
	Status      types.WorkflowStatus `json:"status"`
	CurrentStep int                  `json:"current_step"`
	LastStep    string               `json:"last_step,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
}

// handleStatus implements "status" (§6).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := types.WorkflowID(chi.URLParam(r, "workflowID"))
	wf, ok := s.deps.Workflows.Get(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "workflow %q not found", id))
		return
	}
	var lastStep string
	if wf.CurrentStep > 0 && wf.CurrentStep <= len(wf.Steps) {
		lastStep = wf.Steps[wf.CurrentStep-1].Name
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status: wf.Status, CurrentStep: wf.CurrentStep, LastStep: lastStep, LastError: wf.LastError,
	})
}

type cancelResponse struct {
	CancelledAt time.Time `json:"cancelled_at"`
	CurrentStep int       `json:"current_step"`
}

// handleCancel implements "cancel" (§6): looks up workflowID and
// invokes its registered CancelFunc, which unblocks the in-flight Run
// call's ctx at the next step boundary (or inside the current step's
// own ctx.Done(), for a step that itself watches cancellation). Cancel
// is a no-op, not an error, against a workflow that already reached a
// terminal status.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.WorkflowID(chi.URLParam(r, "workflowID"))
	wf, ok := s.deps.Workflows.Get(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "workflow %q not found", id))
		return
	}
	if err := s.deps.Workflows.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{CancelledAt: time.Now(), CurrentStep: wf.CurrentStep})
}

// handleList implements "List workflows" (§6): parses status, adapter,
// limit, and offset query parameters into a workflow.ListFilter and
// delegates to Engine.List. An unparseable limit/offset is treated as
// unset rather than rejected, since this is a read filter, not a
// validated write.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.ListFilter{
		Status:  types.WorkflowStatus(q.Get("status")),
		Adapter: q.Get("adapter"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.deps.Workflows.List(filter)})
}

type poolSpawnRequest struct {
	WorkerType  string   `json:"worker_type"`
	MinWorkers  int      `json:"min_workers"`
	MaxWorkers  int      `json:"max_workers"`
	ScaleAccept float64  `json:"scale_accept,omitempty"`
	Adapters    []string `json:"adapters,omitempty"` // preferred adapter names, resolved per execution
}

// adapterExec builds a worker.ExecFunc that resolves an adapter
// through the registry for every call, so a pool's workers run
// whichever variant is currently healthiest rather than one pinned at
// spawn time (§4.5's resolution order applies per execution).
func (s *Server) adapterExec(workerType string, preferences []string) worker.ExecFunc {
	return func(ctx context.Context, payload map[string]any) (types.Result, error) {
		variant, err := s.deps.Adapters.Resolve(ctx, adapter.ResolveRequest{
			TaskType: workerType, Preferences: preferences,
		})
		if err != nil {
			return types.Result{}, err
		}
		return variant.Execute(ctx, types.Step{Name: workerType, Inputs: payload})
	}
}

func (s *Server) handlePoolSpawn(w http.ResponseWriter, r *http.Request) {
	var req poolSpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Invalid, err, "decode pool spawn request"))
		return
	}
	poolID, err := s.deps.Pools.SpawnPool(pool.Spec{
		WorkerType: req.WorkerType, MinWorkers: req.MinWorkers, MaxWorkers: req.MaxWorkers,
		Exec: s.adapterExec(req.WorkerType, req.Adapters), ScaleAccept: req.ScaleAccept,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"pool_id": poolID})
}

func (s *Server) handlePoolList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.deps.Pools.List()})
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	poolID := types.PoolID(chi.URLParam(r, "poolID"))
	status, err := s.deps.Pools.Health(poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

type poolScaleRequest struct {
	Target int `json:"target"`
}

func (s *Server) handlePoolScale(w http.ResponseWriter, r *http.Request) {
	poolID := types.PoolID(chi.URLParam(r, "poolID"))
	var req poolScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Invalid, err, "decode scale request"))
		return
	}
	if err := s.deps.Pools.Scale(r.Context(), poolID, req.Target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": poolID, "target": req.Target})
}

type poolDrainRequest struct {
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

func (s *Server) handlePoolDrain(w http.ResponseWriter, r *http.Request) {
	poolID := types.PoolID(chi.URLParam(r, "poolID"))
	var req poolDrainRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	grace := time.Duration(req.GraceSeconds) * time.Second
	if err := s.deps.Pools.Drain(r.Context(), poolID, grace); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": poolID, "state": "closed"})
}

func (s *Server) handlePoolClose(w http.ResponseWriter, r *http.Request) {
	poolID := types.PoolID(chi.URLParam(r, "poolID"))
	if err := s.deps.Pools.Close(r.Context(), poolID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": poolID, "state": "closed"})
}

func (s *Server) handleAdapterList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"adapters": s.deps.Adapters.Names()})
}

func (s *Server) handleAdapterEnable(w http.ResponseWriter, r *http.Request) {
	s.deps.Adapters.SetEnabled(chi.URLParam(r, "name"), true)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (s *Server) handleAdapterDisable(w http.ResponseWriter, r *http.Request) {
	s.deps.Adapters.SetEnabled(chi.URLParam(r, "name"), false)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

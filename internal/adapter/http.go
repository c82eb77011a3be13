package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// HTTP is the delegated/remote adapter variant (§4.5). Both
// "delegated" (forwards to a sibling server's task surface) and
// "remote" (submits to an orchestrator cluster) speak the same plain
// net/http + encoding/json protocol against a resolvable target; they
// differ only in name and the endpoint pool they're constructed with.
// A generated-gRPC client would need compiled protobuf stubs that
// aren't available here (see DESIGN.md), so this is grounded instead
// on the same plain net/http usage internal/metrics and internal/server
// already use for their own HTTP surfaces.
type HTTP struct {
	name     string
	client   *http.Client
	targets  []string // base URLs, round-robin on repeated calls
	next     int
	healthy  bool
}

// NewHTTP builds an HTTP adapter variant with the given registry name
// ("delegated" or "remote") and candidate base URLs.
func NewHTTP(name string, targets []string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{name: name, client: client, targets: targets}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Initialize(ctx context.Context) error {
	if len(h.targets) == 0 {
		return errs.New(errs.Invalid, "adapter %q configured with no targets", h.name)
	}
	_, err := h.Health(ctx)
	return err
}

func (h *HTTP) Health(ctx context.Context) (Health, error) {
	target := h.target()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/health", nil)
	if err != nil {
		return Health{}, errs.Wrap(errs.Internal, err, "build health request for %q", h.name)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.healthy = false
		return Health{Healthy: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	h.healthy = resp.StatusCode == http.StatusOK
	return Health{Healthy: h.healthy, Detail: fmt.Sprintf("status %d", resp.StatusCode)}, nil
}

type executeRequest struct {
	StepName string         `json:"step_name"`
	Inputs   map[string]any `json:"inputs"`
}

type executeResponse struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output"`
	Error   string         `json:"error,omitempty"`
}

// Execute POSTs the step to the resolved target's /execute endpoint.
func (h *HTTP) Execute(ctx context.Context, step types.Step) (types.Result, error) {
	start := time.Now()
	body, err := json.Marshal(executeRequest{StepName: step.Name, Inputs: step.Inputs})
	if err != nil {
		return types.Result{}, errs.Wrap(errs.Internal, err, "marshal execute request")
	}

	target := h.target()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/execute", bytes.NewReader(body))
	if err != nil {
		return types.Result{}, errs.Wrap(errs.Internal, err, "build execute request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return types.Result{Duration: time.Since(start)}, errs.Wrap(errs.DependencyDown, err, "call adapter %q at %q", h.name, target)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Result{Duration: time.Since(start)}, errs.Wrap(errs.DependencyDown, err, "read adapter %q response", h.name)
	}
	if resp.StatusCode != http.StatusOK {
		return types.Result{Duration: time.Since(start)}, errs.New(errs.DependencyDown, "adapter %q returned status %d", h.name, resp.StatusCode).
			With("body", string(raw))
	}

	var decoded executeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return types.Result{Duration: time.Since(start)}, errs.Wrap(errs.Internal, err, "decode adapter %q response", h.name)
	}

	result := types.Result{Success: decoded.Success, Output: decoded.Output, Duration: time.Since(start)}
	if decoded.Error != "" {
		result.Error = errs.New(errs.DependencyDown, "%s", decoded.Error)
		return result, result.Error
	}
	return result, nil
}

// Cancel POSTs a best-effort cancellation; the target may already have
// finished, which is not itself an error.
func (h *HTTP) Cancel(ctx context.Context, taskID types.TaskID) error {
	target := h.target()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/cancel/"+string(taskID), nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "build cancel request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.DependencyDown, err, "cancel on adapter %q", h.name)
	}
	defer resp.Body.Close()
	return nil
}

func (h *HTTP) Shutdown(ctx context.Context) error {
	h.healthy = false
	return nil
}

func (h *HTTP) target() string {
	if len(h.targets) == 0 {
		return ""
	}
	t := h.targets[h.next%len(h.targets)]
	h.next++
	return t
}

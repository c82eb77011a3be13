package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/pkg/types"
)

func newTestServer(t *testing.T, healthOK bool, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthOK {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if handler != nil {
		mux.HandleFunc("/execute", handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPExecuteSuccess(t *testing.T) {
	srv := newTestServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "fetch", req.StepName)
		_ = json.NewEncoder(w).Encode(executeResponse{Success: true, Output: map[string]any{"ok": true}})
	})

	h := NewHTTP("delegated", []string{srv.URL}, srv.Client())
	require.NoError(t, h.Initialize(context.Background()))

	result, err := h.Execute(context.Background(), types.Step{Name: "fetch"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, true, result.Output["ok"])
}

func TestHTTPExecutePropagatesRemoteError(t *testing.T) {
	srv := newTestServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executeResponse{Success: false, Error: "boom"})
	})

	h := NewHTTP("remote", []string{srv.URL}, srv.Client())
	require.NoError(t, h.Initialize(context.Background()))

	_, err := h.Execute(context.Background(), types.Step{Name: "fetch"})
	require.Error(t, err)
}

func TestHTTPHealthReflectsServerStatus(t *testing.T) {
	srv := newTestServer(t, false, nil)
	h := NewHTTP("remote", []string{srv.URL}, srv.Client())

	health, err := h.Health(context.Background())
	require.NoError(t, err)
	require.False(t, health.Healthy)
}

func TestHTTPInitializeFailsWithNoTargets(t *testing.T) {
	h := NewHTTP("remote", nil, nil)
	require.Error(t, h.Initialize(context.Background()))
}

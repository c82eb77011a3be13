// Package runtime provides the explicit Runtime context the other
// packages are constructed with, instead of reaching for package-level
// globals (§9 Design Notes: "Global singletons (metrics, breakers
// registry) -> one explicit Runtime context passed through
// constructors; tests instantiate a fresh Runtime"). It bundles a
// testable clock, a structured logger, an id source, and a Prometheus
// registry.
package runtime

import (
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lesleslie/mahavishnu/pkg/ids"
)

// Clock abstracts wall-clock time so components can be driven by a
// fake clock in tests (§9: "the Runtime provides a now()
// abstraction for testable time").
type Clock func() time.Time

// Runtime is the explicit context threaded through every component
// constructor in place of global state.
type Runtime struct {
	Now      Clock
	Logger   *slog.Logger
	IDs      *ids.Source
	Registry *prometheus.Registry
}

// Option customizes a Runtime built by New.
type Option func(*Runtime)

// WithClock overrides the default wall-clock Now function.
func WithClock(now Clock) Option {
	return func(r *Runtime) { r.Now = now }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.Logger = l }
}

// WithIDs overrides the default ULID source.
func WithIDs(s *ids.Source) Option {
	return func(r *Runtime) { r.IDs = s }
}

// New builds a production Runtime: real wall-clock time, a JSON
// slog.Logger writing to stderr, a fresh ULID source, and a private
// (non-global) Prometheus registry.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		Now:      time.Now,
		Logger:   slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		IDs:      ids.NewSource(nil),
		Registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Test builds a Runtime suited to unit tests: a fixed clock pinned at
// t0 that callers can advance manually by replacing Now, a text logger
// at Warn level to keep test output quiet, and a scratch registry so
// repeated test runs never collide on metric names.
func Test(t0 time.Time) *Runtime {
	return New(
		WithClock(func() time.Time { return t0 }),
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	)
}

package wal

import "github.com/lesleslie/mahavishnu/internal/audit"

// AuditSink adapts a *WAL into an audit.Sink, so every audit.Buffer
// record is additionally persisted to durable storage.
type AuditSink struct {
	wal *WAL
}

// NewAuditSink wraps w as an audit.Sink.
func NewAuditSink(w *WAL) *AuditSink {
	return &AuditSink{wal: w}
}

// Record implements audit.Sink. Append failures are swallowed: the
// in-memory ring buffer (audit.Buffer) remains the source of truth for
// callers observing recent events, and a durable-write failure must
// not block or fail the operation that produced the event.
func (s *AuditSink) Record(e audit.Event) {
	_ = s.wal.Append(e.Type, e.CorrelationID, e.WorkflowID, e.Detail)
}

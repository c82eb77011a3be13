// Package wal implements a durable, batch-committed append log for
// audit.Events (internal/audit), keyed on event type, correlation id,
// and workflow id, with the same batch-commit/fsync discipline used
// elsewhere in this codebase. Wired as an audit.Sink: every
// audit.Buffer.Record call also lands here, so the in-memory ring
// buffer's history survives a restart.
package wal

// Record is one durable log entry: an audit.Event plus the fields the
// log itself needs to verify integrity and support ordered replay.
type Record struct {
	Seq           uint64         `json:"seq"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	WorkflowID    string         `json:"workflow_id"`
	Timestamp     int64          `json:"timestamp"`
	Detail        map[string]any `json:"detail,omitempty"`
	Checksum      uint32         `json:"checksum"`
}

// RecordHandler processes one Record during Replay.
type RecordHandler func(r Record) error

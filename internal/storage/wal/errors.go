package wal

import "errors"

var (
	// ErrChecksumMismatch indicates a record's checksum doesn't match
	// its recomputed value: data corruption or tampering.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the log file has no records yet.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrClosed indicates an operation was attempted after Close.
	ErrClosed = errors.New("wal: already closed")
)

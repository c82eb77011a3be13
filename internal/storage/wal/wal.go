// Write-ahead log core: append-only file writer with async batch
// commit, checksum verification on replay, and file rotation, built
// around the generic Record this package's types.go defines.
package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type batchRequest struct {
	record Record
	errCh  chan error
}

// WAL is a durable, sequence-numbered append log.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool
}

// Open opens (creating if absent) the log at path, starting async
// batch commit. bufferSize and flushInterval default to 100 events
// and 10ms respectively.
func Open(path string, bufferSize int, flushInterval time.Duration) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	var seq uint64
	if last, err := lastRecord(path); err == nil && last != nil {
		seq = last.Seq
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w := &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		batchChan:     make(chan batchRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.batchWriter()
	return w, nil
}

// Append durably appends one record derived from recordType,
// correlationID, workflowID, and detail, blocking until its batch has
// been written and fsynced.
func (w *WAL) Append(recordType, correlationID, workflowID string, detail map[string]any) error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	r := Record{
		Seq: seq, Type: recordType, CorrelationID: correlationID, WorkflowID: workflowID,
		Timestamp: time.Now().UnixMilli(), Detail: detail,
		Checksum: calculateChecksum(recordType, correlationID, seq),
	}

	errCh := make(chan error, 1)
	select {
	case w.batchChan <- batchRequest{record: r, errCh: errCh}:
		return <-errCh
	case <-w.closed:
		return ErrClosed
	}
}

// Replay reads every record from the beginning, verifying checksums,
// and invokes handler for each. It stops at the first handler error or
// checksum mismatch.
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var r Record
		if err := decoder.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}
		if !verifyChecksum(r) {
			return ErrChecksumMismatch
		}
		if err := handler(r); err != nil {
			return err
		}
	}
	return nil
}

// Rotate closes the current file, archives it with a timestamp
// suffix, and starts a fresh log at seq 0.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.closed = make(chan struct{})
	w.wg.Add(1)
	go w.batchWriter()
	w.isClosed = false
	return nil
}

// Close gracefully flushes pending batches and closes the file. The
// WAL must not be used afterward.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// LastSeq returns the most recently assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) batchWriter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchRequest, 0, w.bufferSize)
	for {
		select {
		case req := <-w.batchChan:
			batch = append(batch, req)
			if len(batch) >= w.bufferSize {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-w.closed:
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

func (w *WAL) flushBatch(batch []batchRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	for i := range batch {
		if err := w.encoder.Encode(batch[i].record); err != nil {
			flushErr = fmt.Errorf("encode wal record: %w", err)
			break
		}
	}
	if flushErr == nil {
		if err := w.file.Sync(); err != nil {
			flushErr = fmt.Errorf("sync wal: %w", err)
		}
	}

	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

func lastRecord(path string) (*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Record
	for {
		var r Record
		if err := decoder.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			return last, err
		}
		rr := r
		last = &rr
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

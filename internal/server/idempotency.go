package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lesleslie/mahavishnu/pkg/types"
)

// idempotencyNamespace seeds the deterministic UUIDv5 digest below; any
// fixed namespace works since only digests computed against this same
// namespace are ever compared.
var idempotencyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// idempotencyDigest folds an idempotency key and its request params
// into one deterministic string: same key + same params (in any field
// order, since json.Marshal sorts map keys) always yields the same
// digest, so a submit can be recognised as a duplicate without storing
// the raw params.
func idempotencyDigest(key string, params map[string]any) string {
	blob, _ := json.Marshal(params)
	data := make([]byte, 0, len(key)+1+len(blob))
	data = append(data, key...)
	data = append(data, '|')
	data = append(data, blob...)
	return uuid.NewSHA1(idempotencyNamespace, data).String()
}

type idempotencyEntry struct {
	workflowID types.WorkflowID
	expiresAt  time.Time
}

// idempotencyIndex deduplicates submit calls that repeat the same
// idempotency_key and params within window (§8 testable property 9).
// Entries outside the window are treated as absent and silently
// overwritten by the next submit for that digest.
type idempotencyIndex struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyIndex(window time.Duration) *idempotencyIndex {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &idempotencyIndex{window: window, entries: make(map[string]idempotencyEntry)}
}

// resolve returns the workflow id already recorded for digest within
// the window, if any (hit=true); otherwise it calls create once under
// the same lock that checked for a hit, records its result against
// digest, and returns it (hit=false). Running create under the lock
// is what makes two concurrent submits for the same digest unable to
// both create a workflow — the second always observes the first's
// entry instead of racing past an unlocked check.
func (idx *idempotencyIndex) resolve(digest string, create func() (types.WorkflowID, error)) (id types.WorkflowID, hit bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.entries[digest]; ok && time.Now().Before(e.expiresAt) {
		return e.workflowID, true, nil
	}

	id, err = create()
	if err != nil {
		return "", false, err
	}
	idx.entries[digest] = idempotencyEntry{workflowID: id, expiresAt: time.Now().Add(idx.window)}
	return id, false, nil
}

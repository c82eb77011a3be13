// Package ids generates time-ordered, lexicographically sortable
// identifiers for tasks, workflows, and checkpoints.
//
// Identifiers are 26-character Crockford base32 ULIDs (github.com/oklog/ulid).
// Monotonicity within a single process is guaranteed by ulid.Monotonic:
// two ids minted in the same millisecond differ only in their random
// component, which is incremented rather than re-rolled.
package ids

import (
	"io"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Source mints monotonically increasing ids. It is safe for concurrent use.
type Source struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() ulid.ULID
}

// NewSource creates an id Source. clock, if non-nil, overrides the
// wall-clock time used to seed each id's timestamp component (tests use
// this to produce deterministic ids); nil uses the real clock.
func NewSource(clock func() int64) *Source {
	s := &Source{}
	s.entropy = ulid.Monotonic(newRand(), 0)
	if clock != nil {
		s.now = func() ulid.ULID {
			return ulid.MustNew(uint64(clock()), s.entropy)
		}
	} else {
		s.now = func() ulid.ULID {
			return ulid.MustNew(ulid.Now(), s.entropy)
		}
	}
	return s
}

// New mints a new id. Ids minted by the same Source in ascending time
// order are always lexicographically ascending.
func (s *Source) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().String()
}

// Less reports whether a was minted before b, by lexicographic (and
// therefore chronological) comparison.
func Less(a, b string) bool {
	return a < b
}

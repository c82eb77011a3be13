package ids

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
)

// newRand builds a math/rand source seeded from crypto/rand, matching
// ulid.Monotonic's expectation of a non-cryptographic but well-seeded
// entropy stream.
func newRand() *mathrand.Rand {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic(err)
	}
	return mathrand.New(mathrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}

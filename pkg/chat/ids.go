package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idSource hands out message ids. Each Orchestrator owns one, so ids from
// different instances never share a counter.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// next returns a lexically increasing id for messages created at t. Times
// a ULID cannot encode are replaced by the current time.
func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !encodable(t) {
		t = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond.
		id, err = ulid.New(ulid.Now(), rand.Reader)
		if err != nil {
			return ulid.Make().String()
		}
	}
	return id.String()
}

// encodable reports whether t fits a ULID timestamp: after the Unix epoch
// and no later than ulid.MaxTime.
func encodable(t time.Time) bool {
	return t.After(time.Unix(0, 0)) && !t.After(ulid.Time(ulid.MaxTime()))
}

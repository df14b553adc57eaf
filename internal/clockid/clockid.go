// Package clockid provides the clock and id-generation primitives shared
// across the job lifecycle engine: a narrow Clock interface (so tests can
// control time), UUIDv7 job id generation, and random hex trace ids.
package clockid

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so components never call time.Now
// directly, matching the teacher's avoidance of hidden global state.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewJobID generates a UUIDv7 job id: time-ordered, so lexical and
// insertion order agree without a separate sequence.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTraceID generates a random hex trace id for the §6.5 envelope's
// trace_id field.
func NewTraceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

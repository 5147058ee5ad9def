package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a monotonic ULID for events that arrive without an id.
// Ids minted by one process sort in generation order.
func NewEventID() string {
	return newULID(time.Now())
}

// NewCorrelationID returns a fresh id for the correlation_id header.
func NewCorrelationID() string {
	return newULID(time.Now())
}

func newULID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Time extracts the millisecond timestamp encoded in a ULID id.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}

package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID. Outbox entries created in the
// same process therefore sort in creation order.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewLockID returns an opaque random token for outbox locks.
func NewLockID() string {
	return uuid.NewString()
}

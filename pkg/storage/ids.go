package storage

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a random identifier for catalog, assignment and invitation rows
func NewID() string {
	return uuid.NewString()
}

// NewSortableID returns a lexicographically sortable identifier. Audit entries use it so
// that id order follows insertion order.
func NewSortableID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

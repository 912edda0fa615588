// Package keylock serializes work per key without a global lock. Keys are
// hashed onto a fixed set of mutexes, so two keys may share a stripe but one
// key always maps to the same stripe.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 256

// Striped is a fixed-size array of mutexes selected by key hash.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Key joins a tenant and a visit number into one lock key.
func Key(tenantID, visitID string) string {
	return tenantID + "\x00" + visitID
}

// Lock acquires the stripe for key and returns its unlock function.
func (s *Striped) Lock(key string) (unlock func()) {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

// Stripes reports the stripe count.
func (s *Striped) Stripes() int {
	return len(s.stripes)
}

func (s *Striped) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.stripes)))
}

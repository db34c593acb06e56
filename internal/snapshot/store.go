// Package snapshot holds the current verified snapshot of each registry instance.
package snapshot

import (
	stderrors "errors"
	"sync/atomic"

	"msd/internal/core"
)

// ErrStale is returned by Publish when the offered snapshot is not newer than the current one
var ErrStale = stderrors.New("stale snapshot discarded")

// Store holds at most one current snapshot for one instance. Readers never
// block: Current is a single atomic load.
type Store struct {
	instance string
	current  atomic.Pointer[core.Snapshot]
}

// NewStore creates an empty store for instance
func NewStore(instance string) *Store {
	return &Store{instance: instance}
}

// Instance returns the name of the owning instance
func (s *Store) Instance() string {
	return s.instance
}

// Current returns the installed snapshot or nil before the first publish
func (s *Store) Current() *core.Snapshot {
	return s.current.Load()
}

// Publish installs snap if its version is strictly greater than the current
// one and returns ErrStale otherwise.
func (s *Store) Publish(snap *core.Snapshot) error {
	for {
		cur := s.current.Load()
		if cur != nil && snap.Version <= cur.Version {
			return ErrStale
		}
		if s.current.CompareAndSwap(cur, snap) {
			return nil
		}
	}
}

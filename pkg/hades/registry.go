package hades

import (
	"context"
	"errors"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// Registry is the index of snapshots that live in the underworld of the
// storage root. The manifests on disk stay the system of record; a registry
// is rebuilt from them whenever a store opens.
type Registry interface {
	Put(ctx context.Context, snap *domain.Snapshot) error
	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id domain.SnapshotID) (*domain.Snapshot, error)
	List(ctx context.Context) ([]*domain.Snapshot, error)
	Delete(ctx context.Context, id domain.SnapshotID) error

	RecordRestore(ctx context.Context, rec domain.RestoreRecord) error
	// LastRestore returns nil when no restore has completed.
	LastRestore(ctx context.Context) (*domain.RestoreRecord, error)
}

// ErrLocked is returned by a Locker when the key is already held.
var ErrLocked = errors.New("lock already held")

// Locker hands out exclusive, expiring locks.
type Locker interface {
	// TryLock never waits: it returns ErrLocked if key is held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

func cloneSnapshot(s *domain.Snapshot) *domain.Snapshot {
	c := *s
	if s.Entries != nil {
		c.Entries = make(map[string]domain.Entry, len(s.Entries))
		for k, v := range s.Entries {
			c.Entries[k] = v
		}
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Excludes = append([]string(nil), s.Excludes...)
	return &c
}

package nyx

import (
	"context"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// CreateRequest describes a snapshot to take.
type CreateRequest struct {
	Name     string
	Kind     domain.SnapshotKind
	Metadata map[string]string
	Source   domain.SourceTreeProvider
	// Excludes nil means lethe.DefaultExcludes; an empty slice excludes nothing.
	Excludes []string
	// AllowPartial accepts a copy that skipped unreadable entries.
	AllowPartial bool
	// SkipReserved leaves a top-level manifest.json out of the snapshot
	// instead of failing with ErrReservedName.
	SkipReserved bool
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Kind   domain.SnapshotKind
	Name   string
	Labels map[string]string
	Limit  int
}

// CorruptEntry is a snapshot directory whose manifest could not be loaded.
type CorruptEntry struct {
	ID  domain.SnapshotID
	Err error
}

// Manager is Nyx: the keeper of snapshots, each a night frozen in time.
type Manager interface {
	// Create copies the source tree into a new snapshot and registers it.
	// Nothing is registered unless the whole operation succeeds.
	Create(ctx context.Context, req CreateRequest) (*domain.Snapshot, error)

	// Get returns domain.ErrNotFound or domain.ErrCorrupt for unusable ids.
	Get(ctx context.Context, id domain.SnapshotID) (*domain.Snapshot, error)

	// List returns snapshots newest first.
	List(ctx context.Context, filter ListFilter) ([]*domain.Snapshot, error)

	// Delete removes the snapshot from disk, then from the index.
	Delete(ctx context.Context, id domain.SnapshotID) error

	// Hold blocks Delete of id until the returned release is called.
	Hold(id domain.SnapshotID) (release func())

	// TryRestoreLock claims a live tree for one restore at a time across
	// every user of the store. A busy tree gives domain.ErrRestoreInProgress.
	TryRestoreLock(ctx context.Context, liveRoot string, ttl time.Duration) (release func(), err error)

	// Corrupt lists snapshot directories that were found but could not be loaded.
	Corrupt() []CorruptEntry

	StorageRoot() string
}

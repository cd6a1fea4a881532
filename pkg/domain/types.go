package domain

import (
	"time"
)

// IDs

type SnapshotID string

// Kinds

type SnapshotKind string

const (
	KindManual     SnapshotKind = "manual"
	KindAutomatic  SnapshotKind = "automatic"
	KindPreRestore SnapshotKind = "pre_restore"
)

// Valid reports whether k is one of the known snapshot kinds.
func (k SnapshotKind) Valid() bool {
	switch k {
	case KindManual, KindAutomatic, KindPreRestore:
		return true
	}
	return false
}

// ManifestFileName is the reserved name of the manifest at the root of every snapshot.
const ManifestFileName = "manifest.json"

// Well-known metadata keys.
const (
	LabelPinned        = "pinned"
	LabelRestoreTarget = "restore_target"
)

// Entry aggregates one top-level item of a snapshotted tree.
type Entry struct {
	SizeBytes   int64  `json:"size_bytes"`
	FileCount   int64  `json:"file_count"`
	SubtreeHash string `json:"subtree_hash"`
}

// Manifest is computed once when a snapshot is created and never mutated.
type Manifest struct {
	Entries        map[string]Entry `json:"entries"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	TotalFileCount int64            `json:"total_file_count"`
	IntegrityHash  string           `json:"integrity_hash"`
}

// Snapshot is an immutable, point-in-time copy of a source tree.
// It serializes to the manifest.json document stored alongside the copy.
type Snapshot struct {
	ID        SnapshotID   `json:"id"`
	Name      string       `json:"name"`
	Kind      SnapshotKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`

	Manifest

	Metadata map[string]string `json:"metadata"`

	SourceRoot    string   `json:"source_root,omitempty"`
	Excludes      []string `json:"excludes,omitempty"`
	HashAlgorithm string   `json:"hash_algorithm,omitempty"`

	// Location is derived from the storage root on load.
	Location string `json:"-"`
}

// Pinned reports whether the snapshot is protected from retention.
func (s *Snapshot) Pinned() bool {
	return s.Metadata[LabelPinned] == "true"
}

// RetentionPolicy is applied only on explicit invocation.
type RetentionPolicy struct {
	MaxAge  time.Duration `json:"max_age" yaml:"max_age"`
	MinKeep int           `json:"min_keep" yaml:"min_keep"`
}

// RestoreRecord is persisted after every successful restore.
type RestoreRecord struct {
	SnapshotID       SnapshotID `json:"snapshot_id"`
	SafetySnapshotID SnapshotID `json:"safety_snapshot_id,omitempty"`
	LiveRoot         string     `json:"live_root"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      time.Time  `json:"completed_at"`
}

// SourceTreeProvider supplies the root of the directory tree to snapshot or restore into.
type SourceTreeProvider interface {
	Root() string
}

// Dir is a SourceTreeProvider backed by a plain path.
type Dir string

func (d Dir) Root() string { return string(d) }

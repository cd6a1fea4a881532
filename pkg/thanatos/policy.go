// Package thanatos removes snapshots that have outlived their retention policy.
package thanatos

import (
	"fmt"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

const (
	// DefaultMaxAge is the age past which unprotected snapshots are pruned.
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultMinKeep is the number of newest snapshots never pruned.
	DefaultMinKeep = 5
)

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{MaxAge: DefaultMaxAge, MinKeep: DefaultMinKeep}
}

// ValidatePolicy rejects negative bounds.
func ValidatePolicy(p domain.RetentionPolicy) error {
	if p.MaxAge < 0 {
		return fmt.Errorf("%w: retention max age %s is negative", domain.ErrInvalidArgument, p.MaxAge)
	}
	if p.MinKeep < 0 {
		return fmt.Errorf("%w: retention min keep %d is negative", domain.ErrInvalidArgument, p.MinKeep)
	}
	return nil
}

// Reason explains a retention decision.
type Reason string

const (
	// ReasonExpired marks a snapshot that will be deleted.
	ReasonExpired Reason = "expired"
	// ReasonMinKeep protects the newest MinKeep snapshots.
	ReasonMinKeep Reason = "min_keep"
	// ReasonTooYoung protects snapshots younger than MaxAge.
	ReasonTooYoung Reason = "too_young"
	// ReasonPinned protects snapshots labelled pinned=true.
	ReasonPinned Reason = "pinned"
	// ReasonRestoreGuard protects the safety snapshots of the latest restore.
	ReasonRestoreGuard Reason = "restore_guard"
)

// Decision is the fate of one snapshot under a policy.
type Decision struct {
	Snapshot *domain.Snapshot
	Reason   Reason
}

// Plan is the outcome of applying a policy, oldest snapshot first.
type Plan struct {
	Policy domain.RetentionPolicy
	Now    time.Time
	Keep   []Decision
	Delete []Decision
}

// DeleteIDs returns the ids the plan would delete, oldest first.
func (p *Plan) DeleteIDs() []domain.SnapshotID {
	ids := make([]domain.SnapshotID, 0, len(p.Delete))
	for _, d := range p.Delete {
		ids = append(ids, d.Snapshot.ID)
	}
	return ids
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIO indicates a filesystem operation failed.
	ErrIO = errors.New("io error")

	// ErrCopyFailed indicates a snapshot copy transferred nothing or was incomplete.
	ErrCopyFailed = errors.New("copy failed")

	// ErrCorrupt indicates a snapshot's manifest is missing or unreadable.
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrIntegrityMismatch indicates recomputed content hashes differ from the manifest.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrSafetySnapshotFailed indicates the pre-restore snapshot could not be taken.
	ErrSafetySnapshotFailed = errors.New("safety snapshot failed")

	// ErrRestoreFailed indicates a restore did not complete.
	ErrRestoreFailed = errors.New("restore failed")

	// ErrRestoreInProgress indicates another restore holds the live tree.
	ErrRestoreInProgress = errors.New("restore in progress")

	// ErrNotFound indicates the snapshot id is unknown.
	ErrNotFound = errors.New("snapshot not found")

	// ErrInvalidArgument indicates a caller supplied an unusable value.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IntegrityError carries the per-entry differences found by verification.
type IntegrityError struct {
	SnapshotID SnapshotID
	Expected   string
	Actual     string
	Mismatches []string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("%v: snapshot %s: expected %s, got %s", ErrIntegrityMismatch, e.SnapshotID, e.Expected, e.Actual)
	if len(e.Mismatches) > 0 {
		msg += " (" + strings.Join(e.Mismatches, ", ") + ")"
	}
	return msg
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityMismatch
}

// RestoreError reports a failed restore together with the outcome of its rollback.
// Rollback is nil when the rollback succeeded.
type RestoreError struct {
	SnapshotID       SnapshotID
	SafetySnapshotID SnapshotID
	Cause            error
	Rollback         error
	RolledBack       bool
}

func (e *RestoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: snapshot %s: %v", ErrRestoreFailed, e.SnapshotID, e.Cause)
	switch {
	case e.Rollback != nil:
		fmt.Fprintf(&b, "; rollback from %s failed: %v", e.SafetySnapshotID, e.Rollback)
	case e.RolledBack:
		fmt.Fprintf(&b, "; rolled back from %s", e.SafetySnapshotID)
	default:
		b.WriteString("; no safety snapshot, live tree left as is")
	}
	return b.String()
}

func (e *RestoreError) Unwrap() []error {
	errs := []error{ErrRestoreFailed}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Rollback != nil {
		errs = append(errs, e.Rollback)
	}
	return errs
}

// Kind maps err to its taxonomy name. Unknown errors map to "internal".
func Kind(err error) string {
	// Order matters: a RestoreError also wraps its cause.
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRestoreInProgress):
		return "restore_in_progress"
	case errors.Is(err, ErrRestoreFailed):
		return "restore_failed"
	case errors.Is(err, ErrSafetySnapshotFailed):
		return "safety_snapshot_failed"
	case errors.Is(err, ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCopyFailed):
		return "copy_failed"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "internal"
	}
}

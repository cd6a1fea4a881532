package cerberus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

type Options struct {
	// Workers bounds concurrent file hashing. Zero means one per CPU.
	Workers int
	Logger  hermes.Logger
	Metrics hermes.Metrics
	Auditor audit.Auditor
}

// Verifier checks snapshots against their recorded manifests.
type Verifier struct {
	store   nyx.Manager
	workers int
	logger  hermes.Logger
	metrics hermes.Metrics
	auditor audit.Auditor
}

func NewVerifier(store nyx.Manager, opts Options) *Verifier {
	v := &Verifier{
		store:   store,
		workers: opts.Workers,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		auditor: opts.Auditor,
	}
	if v.logger == nil {
		v.logger = hermes.NewNopLogger()
	}
	if v.metrics == nil {
		v.metrics = hermes.NewNoopMetrics()
	}
	if v.auditor == nil {
		v.auditor = audit.NopAuditor{}
	}
	return v
}

// Verify recomputes the manifest of id and compares it with the stored one.
// On mismatch it returns false, the differing entries, and an
// *domain.IntegrityError.
func (v *Verifier) Verify(ctx context.Context, id domain.SnapshotID) (ok bool, mismatches []string, err error) {
	start := time.Now()
	var name string
	defer func() {
		v.metrics.IncCounter(hermes.MetricVerify, 1, hermes.Label{Key: "result", Value: outcome(err)})
		meta := map[string]interface{}{}
		if len(mismatches) > 0 {
			meta["mismatches"] = mismatches
		}
		ev := audit.NewSnapshotEvent(audit.ActionVerify, string(id), name, time.Since(start), err, meta)
		if recErr := v.auditor.Record(ctx, ev); recErr != nil {
			v.logger.Error(ctx, "Failed to journal operation", map[string]any{"action": audit.ActionVerify, "snapshot_id": id, "error": recErr.Error()})
		}
	}()

	snap, err := v.store.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	name = snap.Name

	release := v.store.Hold(id)
	defer release()

	stored, err := manifest.Read(snap.Location)
	if err != nil {
		return false, nil, err
	}
	if stored.ID != id {
		return false, nil, fmt.Errorf("%w: manifest in %s belongs to %s", domain.ErrCorrupt, snap.Location, stored.ID)
	}

	alg, err := digest.ParseAlgorithm(stored.HashAlgorithm)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %w", domain.ErrCorrupt, err)
	}
	hasher, err := digest.New(alg)
	if err != nil {
		return false, nil, err
	}
	current, err := manifest.NewBuilder(hasher, v.workers).Build(ctx, snap.Location, nil)
	if err != nil {
		return false, nil, err
	}

	mismatches = manifest.Diff(&stored.Manifest, current)
	if len(mismatches) == 0 && current.IntegrityHash == stored.IntegrityHash {
		v.logger.Info(ctx, "Snapshot verified", map[string]any{
			"snapshot_id": id,
			"files":       current.TotalFileCount,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return true, nil, nil
	}

	err = &domain.IntegrityError{
		SnapshotID: id,
		Expected:   stored.IntegrityHash,
		Actual:     current.IntegrityHash,
		Mismatches: mismatches,
	}
	v.logger.Error(ctx, "Snapshot failed verification", map[string]any{
		"snapshot_id": id,
		"mismatches":  mismatches,
	})
	return false, mismatches, err
}

// Report is the verification outcome of a single snapshot.
type Report struct {
	ID         domain.SnapshotID
	Name       string
	OK         bool
	Mismatches []string
	Err        error
}

// VerifyAll checks every indexed snapshot and reports corrupt directories as
// failures. The error is non-nil only when the store cannot be listed or ctx
// is done.
func (v *Verifier) VerifyAll(ctx context.Context) ([]Report, error) {
	snaps, err := v.store.List(ctx, nyx.ListFilter{})
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(snaps))
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		ok, mismatches, err := v.Verify(ctx, snap.ID)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return reports, err
		}
		reports = append(reports, Report{ID: snap.ID, Name: snap.Name, OK: ok, Mismatches: mismatches, Err: err})
	}
	for _, c := range v.store.Corrupt() {
		reports = append(reports, Report{ID: c.ID, Err: c.Err})
	}
	return reports, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrIntegrityMismatch):
		return "mismatch"
	default:
		return "error"
	}
}

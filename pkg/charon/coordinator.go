// Package charon ferries snapshots back across the river into the live tree.
//
// A Coordinator restores one snapshot at a time. Before the live tree is
// touched it verifies the target and takes a pre-restore safety snapshot; if
// applying the target fails the live tree is rolled back from that safety
// snapshot.
package charon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hades"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

// State is a step of the restore state machine.
type State string

const (
	StateIdle           State = "idle"
	StateVerifying      State = "verifying"
	StateSafetySnapshot State = "safety_snapshot"
	StateApplying       State = "applying"
	StateRollingBack    State = "rolling_back"
	StateCompleted      State = "completed"
	StateRolledBack     State = "rolled_back"
	StateFailed         State = "failed"
)

// Verifier is the integrity check run on the target before anything is touched.
type Verifier interface {
	Verify(ctx context.Context, id domain.SnapshotID) (bool, []string, error)
}

type Options struct {
	Store    nyx.Manager
	Copier   lethe.Copier
	Verifier Verifier
	Registry hades.Registry

	// LockTTL bounds how long a crashed restore keeps the live tree locked.
	LockTTL time.Duration

	Logger  hermes.Logger
	Metrics hermes.Metrics
	Auditor audit.Auditor

	// OnState is called on every state transition.
	OnState func(State)
}

// Request selects what to restore and which guards to run.
type Request struct {
	SnapshotID domain.SnapshotID
	// SkipVerify restores without checking the target's integrity first.
	SkipVerify bool
	// SkipSafety restores without a safety snapshot. A failure then leaves
	// the live tree partially restored.
	SkipSafety bool
}

// Outcome describes a finished restore.
type Outcome struct {
	SnapshotID       domain.SnapshotID
	SafetySnapshotID domain.SnapshotID
	State            State
	FilesRestored    int64
	BytesRestored    int64
	// FilesRemoved lists live entries absent from the snapshot that were deleted.
	FilesRemoved []string
	CopyErrors   []lethe.PathError
	Duration     time.Duration
}

type Coordinator struct {
	liveRoot string
	store    nyx.Manager
	copier   lethe.Copier
	verifier Verifier
	registry hades.Registry
	lockTTL  time.Duration
	logger   hermes.Logger
	metrics  hermes.Metrics
	auditor  audit.Auditor
	onState  func(State)
}

func NewCoordinator(live domain.SourceTreeProvider, opts Options) (*Coordinator, error) {
	if live == nil || opts.Store == nil || opts.Copier == nil {
		return nil, fmt.Errorf("%w: live tree, store and copier are required", domain.ErrInvalidArgument)
	}
	if opts.Verifier == nil || opts.Registry == nil {
		return nil, fmt.Errorf("%w: verifier and registry are required", domain.ErrInvalidArgument)
	}
	root, err := filepath.Abs(live.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: live root %s: %w", domain.ErrIO, live.Root(), err)
	}

	c := &Coordinator{
		liveRoot: root,
		store:    opts.Store,
		copier:   opts.Copier,
		verifier: opts.Verifier,
		registry: opts.Registry,
		lockTTL:  opts.LockTTL,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		auditor:  opts.Auditor,
		onState:  opts.OnState,
	}
	if c.lockTTL <= 0 {
		c.lockTTL = time.Hour
	}
	if c.logger == nil {
		c.logger = hermes.NewNopLogger()
	}
	if c.metrics == nil {
		c.metrics = hermes.NewNoopMetrics()
	}
	if c.auditor == nil {
		c.auditor = audit.NopAuditor{}
	}
	return c, nil
}

func (c *Coordinator) LiveRoot() string {
	return c.liveRoot
}

func (c *Coordinator) setState(out *Outcome, s State) {
	out.State = s
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	return c.store.TryRestoreLock(ctx, c.liveRoot, c.lockTTL)
}

// Restore replaces the live tree with the content of a snapshot. Only one
// restore per live tree runs at a time across every user of the store; a
// concurrent call fails with ErrRestoreInProgress.
func (c *Coordinator) Restore(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{SnapshotID: req.SnapshotID, State: StateIdle}

	unlock, err := c.acquire(ctx)
	if err != nil {
		return out, err
	}
	defer unlock()

	var name string
	defer func() {
		out.Duration = time.Since(start)
		c.metrics.IncCounter(hermes.MetricRestore, 1, hermes.Label{Key: "state", Value: string(out.State)})
		c.metrics.ObserveHistogram(hermes.MetricRestoreSeconds, out.Duration.Seconds())
		meta := map[string]interface{}{"state": string(out.State), "live_root": c.liveRoot}
		if out.SafetySnapshotID != "" {
			meta["safety_snapshot_id"] = string(out.SafetySnapshotID)
		}
		ev := audit.NewSnapshotEvent(audit.ActionRestore, string(req.SnapshotID), name, out.Duration, err, meta)
		if recErr := c.auditor.Record(ctx, ev); recErr != nil {
			c.logger.Error(ctx, "Failed to journal operation", map[string]any{"action": audit.ActionRestore, "snapshot_id": req.SnapshotID, "error": recErr.Error()})
		}
	}()

	target, err := c.store.Get(ctx, req.SnapshotID)
	if err != nil {
		c.setState(out, StateFailed)
		return out, err
	}
	name = target.Name

	release := c.store.Hold(target.ID)
	defer release()

	c.logger.Info(ctx, "Starting restore", map[string]any{
		"snapshot_id": target.ID,
		"live_root":   c.liveRoot,
		"verify":      !req.SkipVerify,
		"safety":      !req.SkipSafety,
	})

	if !req.SkipVerify {
		c.setState(out, StateVerifying)
		if _, _, err := c.verifier.Verify(ctx, target.ID); err != nil {
			c.setState(out, StateFailed)
			c.logger.Error(ctx, "Restore target failed verification", map[string]any{"snapshot_id": target.ID, "error": err.Error()})
			return out, err
		}
	}

	if err := os.MkdirAll(c.liveRoot, 0755); err != nil {
		c.setState(out, StateFailed)
		return out, fmt.Errorf("%w: create live root: %w", domain.ErrIO, err)
	}

	var safety *domain.Snapshot
	if !req.SkipSafety {
		c.setState(out, StateSafetySnapshot)
		safety, err = c.store.Create(ctx, nyx.CreateRequest{
			Name:     fmt.Sprintf("pre-restore-%s", target.ID),
			Kind:     domain.KindPreRestore,
			Source:   domain.Dir(c.liveRoot),
			Excludes: target.Excludes,
			Metadata: map[string]string{domain.LabelRestoreTarget: string(target.ID)},

			// apply never touches the live manifest.json, so it needs no copy.
			SkipReserved: true,
		})
		if err != nil {
			c.setState(out, StateFailed)
			c.logger.Error(ctx, "Safety snapshot failed, live tree untouched", map[string]any{"snapshot_id": target.ID, "error": err.Error()})
			return out, fmt.Errorf("%w: %w", domain.ErrSafetySnapshotFailed, err)
		}
		out.SafetySnapshotID = safety.ID
		c.logger.Info(ctx, "Safety snapshot taken", map[string]any{"snapshot_id": target.ID, "safety_snapshot_id": safety.ID})
	}

	c.setState(out, StateApplying)
	res, removed, applyErr := c.apply(ctx, target)
	if res != nil {
		out.FilesRestored = res.FilesCopied
		out.BytesRestored = res.BytesCopied
		out.CopyErrors = res.Errors
	}
	out.FilesRemoved = removed

	if applyErr != nil {
		rerr := &domain.RestoreError{SnapshotID: target.ID, Cause: applyErr}
		if safety == nil {
			c.setState(out, StateFailed)
			c.logger.Error(ctx, "Restore failed without safety snapshot", map[string]any{"snapshot_id": target.ID, "error": applyErr.Error()})
			return out, rerr
		}

		rerr.SafetySnapshotID = safety.ID
		c.setState(out, StateRollingBack)
		c.logger.Error(ctx, "Restore failed, rolling back", map[string]any{
			"snapshot_id":        target.ID,
			"safety_snapshot_id": safety.ID,
			"error":              applyErr.Error(),
		})

		// Rollback must finish even when the restore was cancelled.
		if _, _, rbErr := c.apply(context.WithoutCancel(ctx), safety); rbErr != nil {
			rerr.Rollback = rbErr
			c.setState(out, StateFailed)
			c.logger.Error(ctx, "Rollback failed, live tree may be inconsistent", map[string]any{
				"safety_snapshot_id": safety.ID,
				"error":              rbErr.Error(),
			})
			return out, rerr
		}
		rerr.RolledBack = true
		c.setState(out, StateRolledBack)
		return out, rerr
	}

	now := time.Now()
	rec := domain.RestoreRecord{
		SnapshotID:       target.ID,
		SafetySnapshotID: out.SafetySnapshotID,
		LiveRoot:         c.liveRoot,
		StartedAt:        start.UTC(),
		CompletedAt:      now.UTC(),
	}
	if err := c.registry.RecordRestore(ctx, rec); err != nil {
		// The live tree is already restored.
		c.logger.Error(ctx, "Failed to record restore", map[string]any{"snapshot_id": target.ID, "error": err.Error()})
	}

	c.setState(out, StateCompleted)
	c.logger.Info(ctx, "Restore completed", map[string]any{
		"snapshot_id":        target.ID,
		"safety_snapshot_id": out.SafetySnapshotID,
		"files":              out.FilesRestored,
		"removed":            len(out.FilesRemoved),
		"duration_ms":        time.Since(start).Milliseconds(),
	})
	return out, nil
}

// apply makes the live tree mirror snap: every file is copied over and
// entries absent from snap are removed. Excluded entries, the storage root
// and a top-level manifest.json in the live tree are left alone.
func (c *Coordinator) apply(ctx context.Context, snap *domain.Snapshot) (*lethe.Result, []string, error) {
	excludes := snap.Excludes
	if excludes == nil {
		excludes = lethe.DefaultExcludes
	}
	rules := lethe.Rules{
		Exclude: excludes,
		SkipPaths: []string{
			filepath.Join(snap.Location, domain.ManifestFileName),
			filepath.Join(c.liveRoot, domain.ManifestFileName),
			c.store.StorageRoot(),
		},
	}

	res, err := c.copier.CopyTree(ctx, snap.Location, c.liveRoot, rules)
	if err != nil {
		return res, nil, err
	}
	if res != nil && res.HadErrors {
		return res, nil, fmt.Errorf("%w: %d entries could not be restored: %w", domain.ErrCopyFailed, len(res.Errors), res.Err())
	}

	removed, err := lethe.RemoveExtraneous(ctx, snap.Location, c.liveRoot, rules)
	if err != nil {
		return res, removed, err
	}
	return res, removed, nil
}

package thanatos

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hades"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

// Reaper applies retention policies to a snapshot store.
type Reaper struct {
	Store    nyx.Manager
	Registry hades.Registry
	Auditor  audit.Auditor
	Metrics  hermes.Metrics
	Logger   hermes.Logger
	now      func() time.Time
}

// ReaperConfig holds configuration for the reaper.
type ReaperConfig struct {
	Store    nyx.Manager
	Registry hades.Registry
	Auditor  audit.Auditor
	Metrics  hermes.Metrics
	Logger   hermes.Logger
}

// NewReaper creates a new Reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Auditor == nil {
		cfg.Auditor = audit.NopAuditor{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = hermes.NewNoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = hermes.NewNopLogger()
	}
	return &Reaper{
		Store:    cfg.Store,
		Registry: cfg.Registry,
		Auditor:  cfg.Auditor,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Plan decides which snapshots policy would delete, without deleting anything.
func (r *Reaper) Plan(ctx context.Context, policy domain.RetentionPolicy) (*Plan, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}

	snaps, err := r.Store.List(ctx, nyx.ListFilter{})
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})

	last, err := r.Registry.LastRestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last restore: %w", err)
	}

	now := r.now()
	cutoff := now.Add(-policy.MaxAge)
	keepFrom := len(snaps) - policy.MinKeep

	plan := &Plan{Policy: policy, Now: now}
	for i, snap := range snaps {
		reason := ReasonExpired
		switch {
		case i >= keepFrom:
			reason = ReasonMinKeep
		case snap.Pinned():
			reason = ReasonPinned
		case guarded(snap, last):
			reason = ReasonRestoreGuard
		case !snap.CreatedAt.Before(cutoff):
			reason = ReasonTooYoung
		}

		d := Decision{Snapshot: snap, Reason: reason}
		if reason == ReasonExpired {
			plan.Delete = append(plan.Delete, d)
		} else {
			plan.Keep = append(plan.Keep, d)
		}
	}
	return plan, nil
}

// guarded protects the safety snapshot of the most recent restore and any
// pre-restore snapshot taken since it started.
func guarded(snap *domain.Snapshot, last *domain.RestoreRecord) bool {
	if last == nil {
		return false
	}
	if last.SafetySnapshotID != "" && snap.ID == last.SafetySnapshotID {
		return true
	}
	return snap.Kind == domain.KindPreRestore && !snap.CreatedAt.Before(last.StartedAt)
}

// Prune deletes what Plan selects, oldest first. The first failed deletion
// stops the prune; the ids deleted until then are returned with the error.
func (r *Reaper) Prune(ctx context.Context, policy domain.RetentionPolicy) (deleted []domain.SnapshotID, err error) {
	start := r.now()
	defer func() {
		ev := &audit.Event{
			Action:   audit.ActionPrune,
			Result:   audit.ResultOf(err),
			Resource: audit.Resource{Type: "store", ID: r.Store.StorageRoot()},
			Latency:  r.now().Sub(start),
			Metadata: map[string]interface{}{
				"max_age":  policy.MaxAge.String(),
				"min_keep": policy.MinKeep,
				"deleted":  len(deleted),
			},
		}
		if err != nil {
			ev.ErrorMessage = err.Error()
		}
		if recErr := r.Auditor.Record(ctx, ev); recErr != nil {
			r.Logger.Error(ctx, "Failed to journal operation", map[string]any{"action": audit.ActionPrune, "error": recErr.Error()})
		}
	}()

	plan, err := r.Plan(ctx, policy)
	if err != nil {
		return nil, err
	}

	for _, d := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := r.Store.Delete(ctx, d.Snapshot.ID); err != nil {
			r.Logger.Error(ctx, "Prune stopped: snapshot could not be deleted", map[string]any{
				"snapshot_id": d.Snapshot.ID,
				"deleted":     len(deleted),
				"error":       err.Error(),
			})
			return deleted, fmt.Errorf("prune %s: %w", d.Snapshot.ID, err)
		}
		deleted = append(deleted, d.Snapshot.ID)
		r.Metrics.IncCounter(hermes.MetricPruned, 1, hermes.Label{Key: "kind", Value: string(d.Snapshot.Kind)})
	}

	r.Logger.Info(ctx, "Prune completed", map[string]any{
		"deleted":  len(deleted),
		"kept":     len(plan.Keep),
		"max_age":  policy.MaxAge.String(),
		"min_keep": policy.MinKeep,
	})
	return deleted, nil
}

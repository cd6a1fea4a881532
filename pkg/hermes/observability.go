package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// Metric names emitted by the engine.
const (
	MetricSnapshotsCreated = "mnemosyne_snapshots_created_total"
	MetricCreateSeconds    = "mnemosyne_snapshot_create_seconds"
	MetricSnapshotBytes    = "mnemosyne_snapshot_bytes"
	MetricSnapshotsDeleted = "mnemosyne_snapshots_deleted_total"
	MetricVerify           = "mnemosyne_verify_total"
	MetricRestore          = "mnemosyne_restore_total"
	MetricRestoreSeconds   = "mnemosyne_restore_seconds"
	MetricPruned           = "mnemosyne_pruned_total"
	MetricSnapshots        = "mnemosyne_snapshots"
)

// Result returns a "result" label of "success" or "failure".
func Result(err error) Label {
	if err != nil {
		return Label{Key: "result", Value: "failure"}
	}
	return Label{Key: "result", Value: "success"}
}

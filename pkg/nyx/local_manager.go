package nyx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hades"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
)

const (
	tmpPrefix         = ".tmp-"
	idLayout          = "20060102T150405.000000000Z"
	restoreLockPrefix = "restore:"
)

// ErrReservedName is recorded when the source has a top-level entry that
// collides with the manifest file.
var ErrReservedName = errors.New("reserved name")

type Options struct {
	Copier   lethe.Copier
	Builder  *manifest.Builder
	Registry hades.Registry
	// Locker guards live trees against concurrent restores. Nil means a
	// hades.FileLocker in the storage root, shared by every process using it.
	Locker   hades.Locker
	Logger   hermes.Logger
	Metrics  hermes.Metrics
	Auditor  audit.Auditor
	// MinFreeBytes is kept free on the storage filesystem on top of the snapshot size.
	MinFreeBytes uint64
}

type LocalManager struct {
	SnapshotDir string

	copier   lethe.Copier
	builder  *manifest.Builder
	registry hades.Registry
	locker   hades.Locker
	logger   hermes.Logger
	metrics  hermes.Metrics
	auditor  audit.Auditor
	minFree  uint64

	mu      sync.Mutex
	corrupt map[domain.SnapshotID]error
	locks   *idLocks

	// now and diskFree are exposed for testing purposes.
	now      func() time.Time
	diskFree func(path string) (uint64, error)
}

// NewLocalManager opens the store rooted at snapshotDir and indexes what it finds there.
func NewLocalManager(ctx context.Context, snapshotDir string, opts Options) (*LocalManager, error) {
	if opts.Copier == nil || opts.Builder == nil {
		return nil, fmt.Errorf("%w: copier and manifest builder are required", domain.ErrInvalidArgument)
	}
	root, err := filepath.Abs(snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("%w: storage root %s: %w", domain.ErrIO, snapshotDir, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create snapshot dir: %w", domain.ErrIO, err)
	}

	m := &LocalManager{
		SnapshotDir: root,
		copier:      opts.Copier,
		builder:     opts.Builder,
		registry:    opts.Registry,
		locker:      opts.Locker,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		auditor:     opts.Auditor,
		minFree:     opts.MinFreeBytes,
		corrupt:     make(map[domain.SnapshotID]error),
		locks:       newIDLocks(),
		now:         time.Now,
		diskFree:    freeBytes,
	}
	if m.registry == nil {
		m.registry = hades.NewMemoryRegistry()
	}
	if m.locker == nil {
		m.locker = hades.NewFileLocker(root)
	}
	if m.logger == nil {
		m.logger = hermes.NewNopLogger()
	}
	if m.metrics == nil {
		m.metrics = hermes.NewNoopMetrics()
	}
	if m.auditor == nil {
		m.auditor = audit.NopAuditor{}
	}

	if err := m.scan(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (m *LocalManager) StorageRoot() string {
	return m.SnapshotDir
}

func (m *LocalManager) location(id domain.SnapshotID) string {
	return filepath.Join(m.SnapshotDir, string(id))
}

// scan rebuilds the index from the manifests on disk.
func (m *LocalManager) scan(ctx context.Context) error {
	entries, err := os.ReadDir(m.SnapshotDir)
	if err != nil {
		return fmt.Errorf("%w: read storage root: %w", domain.ErrIO, err)
	}

	onDisk := make(map[domain.SnapshotID]bool)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tmpPrefix) {
			// Left behind by an interrupted Create.
			if err := os.RemoveAll(filepath.Join(m.SnapshotDir, name)); err != nil {
				m.logger.Error(ctx, "Failed to remove stale partial snapshot", map[string]any{"dir": name, "error": err.Error()})
			} else {
				m.logger.Info(ctx, "Removed stale partial snapshot", map[string]any{"dir": name})
			}
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}

		id := domain.SnapshotID(name)
		onDisk[id] = true

		snap, err := manifest.Read(m.location(id))
		if err == nil && snap.ID != id {
			err = fmt.Errorf("%w: manifest id %s does not match directory %s", domain.ErrCorrupt, snap.ID, name)
		}
		if err != nil {
			m.corrupt[id] = err
			m.logger.Error(ctx, "Snapshot manifest could not be loaded", map[string]any{"snapshot_id": name, "error": err.Error()})
			if err := m.registry.Delete(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := m.registry.Put(ctx, snap); err != nil {
			return err
		}
	}

	indexed, err := m.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, snap := range indexed {
		if !onDisk[snap.ID] {
			if err := m.registry.Delete(ctx, snap.ID); err != nil {
				return err
			}
		}
	}

	m.reportGauges(ctx)
	return nil
}

func (m *LocalManager) newID(t time.Time) domain.SnapshotID {
	return domain.SnapshotID(fmt.Sprintf("%s-%s", t.UTC().Format(idLayout), uuid.New().String()[:8]))
}

func (m *LocalManager) allocateID(t time.Time) (domain.SnapshotID, error) {
	for i := 0; i < 3; i++ {
		id := m.newID(t)
		_, errFinal := os.Lstat(m.location(id))
		_, errTmp := os.Lstat(filepath.Join(m.SnapshotDir, tmpPrefix+string(id)))
		if os.IsNotExist(errFinal) && os.IsNotExist(errTmp) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate a unique snapshot id", domain.ErrIO)
}

func (m *LocalManager) checkSpace(ctx context.Context, need int64) error {
	free, err := m.diskFree(m.SnapshotDir)
	if err != nil {
		m.logger.Error(ctx, "Could not determine free space", map[string]any{"error": err.Error()})
		return nil
	}
	required := uint64(need) + m.minFree
	if free < required {
		return fmt.Errorf("%w: insufficient space in %s: need %d bytes, %d available", domain.ErrIO, m.SnapshotDir, required, free)
	}
	return nil
}

func (m *LocalManager) Create(ctx context.Context, req CreateRequest) (snap *domain.Snapshot, err error) {
	start := m.now()

	kind := req.Kind
	if kind == "" {
		kind = domain.KindManual
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown snapshot kind %q", domain.ErrInvalidArgument, kind)
	}
	if req.Source == nil {
		return nil, fmt.Errorf("%w: no source tree", domain.ErrInvalidArgument)
	}
	srcRoot, err := filepath.Abs(req.Source.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %w", domain.ErrIO, req.Source.Root(), err)
	}

	excludes := req.Excludes
	if excludes == nil {
		excludes = lethe.DefaultExcludes
	}
	reservedPath := filepath.Join(srcRoot, domain.ManifestFileName)
	rules := lethe.Rules{
		Exclude:   excludes,
		SkipPaths: []string{m.SnapshotDir, reservedPath},
	}

	usage, err := lethe.Measure(ctx, srcRoot, rules)
	if err != nil {
		return nil, err
	}
	if err := m.checkSpace(ctx, usage.Bytes); err != nil {
		return nil, err
	}

	id, err := m.allocateID(start)
	if err != nil {
		return nil, err
	}
	release := m.locks.lock(id)
	defer release()

	tmp := filepath.Join(m.SnapshotDir, tmpPrefix+string(id))
	final := m.location(id)

	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			m.logger.Error(ctx, "Failed to remove partial snapshot", map[string]any{"dir": tmp, "error": rmErr.Error()})
		}
		m.logger.Error(ctx, "Snapshot creation failed", map[string]any{"snapshot_id": id, "source": srcRoot, "error": err.Error()})
		m.metrics.IncCounter(hermes.MetricSnapshotsCreated, 1, hermes.Label{Key: "kind", Value: string(kind)}, hermes.Result(err))
		m.record(ctx, audit.ActionCreate, id, req.Name, start, err, nil)
	}()

	m.logger.Info(ctx, "Creating snapshot", map[string]any{
		"snapshot_id": id,
		"kind":        kind,
		"source":      srcRoot,
		"files":       usage.Files,
		"bytes":       usage.Bytes,
	})

	res, err := m.copier.CopyTree(ctx, srcRoot, tmp, rules)
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", srcRoot, err)
	}
	if res == nil {
		res = &lethe.Result{}
	}
	if _, statErr := os.Lstat(reservedPath); statErr == nil && !req.SkipReserved {
		res.Errors = append(res.Errors, lethe.PathError{Path: domain.ManifestFileName, Err: ErrReservedName})
		res.HadErrors = true
	}

	if res.FilesCopied == 0 && usage.Files > 0 {
		return nil, fmt.Errorf("%w: no files copied from non-empty source %s", domain.ErrCopyFailed, srcRoot)
	}
	if res.HadErrors && !req.AllowPartial {
		return nil, fmt.Errorf("%w: %d entries could not be copied: %w", domain.ErrCopyFailed, len(res.Errors), res.Err())
	}

	mf, err := m.builder.Build(ctx, tmp, nil)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if res.HadErrors {
		metadata["skipped_entries"] = strconv.Itoa(len(res.Errors))
	}

	snap = &domain.Snapshot{
		ID:            id,
		Name:          req.Name,
		Kind:          kind,
		CreatedAt:     start.UTC(),
		Manifest:      *mf,
		Metadata:      metadata,
		SourceRoot:    srcRoot,
		Excludes:      append([]string{}, excludes...),
		HashAlgorithm: string(m.builder.Algorithm()),
	}
	if err := manifest.Write(tmp, snap); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("%w: finalize snapshot: %w", domain.ErrIO, err)
	}
	snap.Location = final

	if err := m.registry.Put(ctx, snap); err != nil {
		_ = os.RemoveAll(final)
		return nil, fmt.Errorf("register snapshot %s: %w", id, err)
	}

	elapsed := m.now().Sub(start)
	m.logger.Info(ctx, "Snapshot created", map[string]any{
		"snapshot_id": id,
		"kind":        kind,
		"files":       snap.TotalFileCount,
		"bytes":       snap.TotalSizeBytes,
		"duration_ms": elapsed.Milliseconds(),
	})
	m.metrics.IncCounter(hermes.MetricSnapshotsCreated, 1, hermes.Label{Key: "kind", Value: string(kind)}, hermes.Result(nil))
	m.metrics.ObserveHistogram(hermes.MetricCreateSeconds, elapsed.Seconds())
	m.metrics.ObserveHistogram(hermes.MetricSnapshotBytes, float64(snap.TotalSizeBytes))
	m.record(ctx, audit.ActionCreate, id, req.Name, start, nil, map[string]interface{}{
		"kind":  string(kind),
		"files": snap.TotalFileCount,
		"bytes": snap.TotalSizeBytes,
	})
	m.reportGauges(ctx)

	return snap, nil
}

func (m *LocalManager) Get(ctx context.Context, id domain.SnapshotID) (*domain.Snapshot, error) {
	m.mu.Lock()
	cerr, bad := m.corrupt[id]
	m.mu.Unlock()
	if bad {
		return nil, cerr
	}

	snap, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.Location = m.location(id)
	return snap, nil
}

func (m *LocalManager) List(ctx context.Context, filter ListFilter) ([]*domain.Snapshot, error) {
	all, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	list := make([]*domain.Snapshot, 0, len(all))
	for _, snap := range all {
		if !filter.matches(snap) {
			continue
		}
		snap.Location = m.location(snap.ID)
		list = append(list, snap)
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func (f ListFilter) matches(snap *domain.Snapshot) bool {
	if f.Kind != "" && snap.Kind != f.Kind {
		return false
	}
	if f.Name != "" && snap.Name != f.Name {
		return false
	}
	for k, v := range f.Labels {
		if snap.Metadata[k] != v {
			return false
		}
	}
	return true
}

func (m *LocalManager) Delete(ctx context.Context, id domain.SnapshotID) (err error) {
	start := m.now()
	release := m.locks.lock(id)
	defer release()

	var name string
	defer func() {
		m.metrics.IncCounter(hermes.MetricSnapshotsDeleted, 1, hermes.Result(err))
		if !errors.Is(err, domain.ErrNotFound) {
			m.record(ctx, audit.ActionDelete, id, name, start, err, nil)
		}
	}()

	m.mu.Lock()
	_, corrupt := m.corrupt[id]
	m.mu.Unlock()

	snap, err := m.registry.Get(ctx, id)
	switch {
	case err == nil:
		name = snap.Name
	case errors.Is(err, domain.ErrNotFound) && corrupt:
	default:
		return err
	}

	if err := os.RemoveAll(m.location(id)); err != nil {
		return fmt.Errorf("%w: remove snapshot %s: %w", domain.ErrIO, id, err)
	}

	if corrupt {
		m.mu.Lock()
		delete(m.corrupt, id)
		m.mu.Unlock()
	}
	if err := m.registry.Delete(ctx, id); err != nil {
		return err
	}

	m.logger.Info(ctx, "Snapshot deleted", map[string]any{"snapshot_id": id})
	m.reportGauges(ctx)
	return nil
}

func (m *LocalManager) Hold(id domain.SnapshotID) func() {
	return m.locks.rlock(id)
}

// TryRestoreLock claims liveRoot for a restore. It fails fast with
// domain.ErrRestoreInProgress while any holder of the store's locker has it.
func (m *LocalManager) TryRestoreLock(ctx context.Context, liveRoot string, ttl time.Duration) (func(), error) {
	root, err := filepath.Abs(liveRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: live root %s: %w", domain.ErrIO, liveRoot, err)
	}
	release, err := m.locker.TryLock(ctx, restoreLockPrefix+root, ttl)
	if errors.Is(err, hades.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRestoreInProgress, root)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: restore lock: %w", domain.ErrIO, err)
	}
	return release, nil
}

func (m *LocalManager) Corrupt() []CorruptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CorruptEntry, 0, len(m.corrupt))
	for id, err := range m.corrupt {
		out = append(out, CorruptEntry{ID: id, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *LocalManager) reportGauges(ctx context.Context) {
	all, err := m.registry.List(ctx)
	if err != nil {
		return
	}
	counts := map[domain.SnapshotKind]int{
		domain.KindManual:     0,
		domain.KindAutomatic:  0,
		domain.KindPreRestore: 0,
	}
	for _, s := range all {
		counts[s.Kind]++
	}
	for kind, n := range counts {
		m.metrics.SetGauge(hermes.MetricSnapshots, float64(n), hermes.Label{Key: "kind", Value: string(kind)})
	}
}

func (m *LocalManager) record(ctx context.Context, action audit.Action, id domain.SnapshotID, name string, start time.Time, opErr error, meta map[string]interface{}) {
	ev := audit.NewSnapshotEvent(action, string(id), name, m.now().Sub(start), opErr, meta)
	if err := m.auditor.Record(ctx, ev); err != nil {
		m.logger.Error(ctx, "Failed to journal operation", map[string]any{"action": action, "snapshot_id": id, "error": err.Error()})
	}
}

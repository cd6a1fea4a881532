package erebus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

// ArchiveKey is where the tar.gz of a snapshot is stored.
func ArchiveKey(id domain.SnapshotID) string {
	return "snapshots/" + string(id) + ".tar.gz"
}

// ManifestKey is where the manifest of an exported snapshot is stored, so it
// can be inspected without downloading the archive.
func ManifestKey(id domain.SnapshotID) string {
	return "snapshots/" + string(id) + ".manifest.json"
}

// ExportResult describes an uploaded snapshot.
type ExportResult struct {
	SnapshotID  domain.SnapshotID
	ArchiveKey  string
	ManifestKey string
	Files       int64
	Bytes       int64
}

// Exporter copies snapshots out of the local store into a blob Store.
type Exporter struct {
	snapshots nyx.Manager
	blobs     Store
	logger    hermes.Logger
	auditor   audit.Auditor
}

func NewExporter(snapshots nyx.Manager, blobs Store, logger hermes.Logger, auditor audit.Auditor) *Exporter {
	if logger == nil {
		logger = hermes.NewNopLogger()
	}
	if auditor == nil {
		auditor = audit.NopAuditor{}
	}
	return &Exporter{snapshots: snapshots, blobs: blobs, logger: logger, auditor: auditor}
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Export streams the snapshot as a tar.gz to the blob store, then uploads its
// manifest next to it. The archive is never staged on local disk.
func (e *Exporter) Export(ctx context.Context, id domain.SnapshotID) (res *ExportResult, err error) {
	start := time.Now()
	var name string
	defer func() {
		meta := map[string]interface{}{}
		if res != nil {
			meta["key"] = res.ArchiveKey
			meta["bytes"] = res.Bytes
		}
		ev := audit.NewSnapshotEvent(audit.ActionExport, string(id), name, time.Since(start), err, meta)
		if recErr := e.auditor.Record(ctx, ev); recErr != nil {
			e.logger.Error(ctx, "Failed to journal operation", map[string]any{"action": audit.ActionExport, "snapshot_id": id, "error": recErr.Error()})
		}
	}()

	snap, err := e.snapshots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	name = snap.Name
	release := e.snapshots.Hold(id)
	defer release()

	doc, err := os.ReadFile(filepath.Join(snap.Location, domain.ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", domain.ErrCorrupt, err)
	}

	pr, pw := io.Pipe()
	counter := &countingReader{r: pr}
	var files int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := writeArchive(gctx, snap.Location, pw)
		files = n
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := e.blobs.Put(gctx, ArchiveKey(id), counter)
		// Unblocks the writer if the upload gave up early.
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		_ = e.blobs.Delete(context.WithoutCancel(ctx), ArchiveKey(id))
		return nil, fmt.Errorf("export %s: %w", id, err)
	}

	if err := e.blobs.Put(ctx, ManifestKey(id), bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("export manifest of %s: %w", id, err)
	}

	res = &ExportResult{
		SnapshotID:  id,
		ArchiveKey:  ArchiveKey(id),
		ManifestKey: ManifestKey(id),
		Files:       files,
		Bytes:       counter.n.Load(),
	}
	e.logger.Info(ctx, "Snapshot exported", map[string]any{
		"snapshot_id": id,
		"key":         res.ArchiveKey,
		"files":       res.Files,
		"bytes":       res.Bytes,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// Fetch downloads an exported snapshot into dest, which must not exist or be
// empty, and checks the unpacked files against the archived manifest.
func (e *Exporter) Fetch(ctx context.Context, id domain.SnapshotID, dest string) (*domain.Snapshot, error) {
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s is not empty", domain.ErrInvalidArgument, dest)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIO, err)
	}

	rc, err := e.blobs.Get(ctx, ArchiveKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if err := extractArchive(ctx, rc, dest); err != nil {
		return nil, err
	}

	snap, err := manifest.Read(dest)
	if err != nil {
		return nil, err
	}
	if snap.ID != id {
		return nil, fmt.Errorf("%w: archive %s holds snapshot %s", domain.ErrCorrupt, ArchiveKey(id), snap.ID)
	}

	alg, err := digest.ParseAlgorithm(snap.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCorrupt, err)
	}
	hasher, err := digest.New(alg)
	if err != nil {
		return nil, err
	}
	current, err := manifest.NewBuilder(hasher, 0).Build(ctx, dest, nil)
	if err != nil {
		return nil, err
	}
	if mismatches := manifest.Diff(&snap.Manifest, current); len(mismatches) > 0 || current.IntegrityHash != snap.IntegrityHash {
		return nil, &domain.IntegrityError{
			SnapshotID: id,
			Expected:   snap.IntegrityHash,
			Actual:     current.IntegrityHash,
			Mismatches: mismatches,
		}
	}

	e.logger.Info(ctx, "Snapshot fetched", map[string]any{"snapshot_id": id, "dest": dest, "files": current.TotalFileCount})
	return snap, nil
}

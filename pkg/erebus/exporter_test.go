package erebus

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

func newSnapshot(t *testing.T) (*nyx.LocalManager, *domain.Snapshot) {
	return newSnapshotOf(t, map[string]string{
		"config.yaml":        "replicas: 3",
		"data/users.csv":     "id,name\n1,ada\n",
		"data/deep/blob.bin": strings.Repeat("x", 64*1024),
	})
}

func newSnapshotOf(t *testing.T, files map[string]string) (*nyx.LocalManager, *domain.Snapshot) {
	t.Helper()
	src := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	h, err := digest.New(digest.BLAKE2b256)
	require.NoError(t, err)
	store, err := nyx.NewLocalManager(context.Background(), t.TempDir(), nyx.Options{
		Copier:  lethe.NewTreeCopier(lethe.Options{}),
		Builder: manifest.NewBuilder(h, 2),
	})
	require.NoError(t, err)

	snap, err := store.Create(context.Background(), nyx.CreateRequest{Name: "export-me", Source: domain.Dir(src)})
	require.NoError(t, err)
	return store, snap
}

func TestExporter_ExportAndFetch(t *testing.T) {
	ctx := context.Background()
	store, snap := newSnapshot(t)
	blobs, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	exp := NewExporter(store, blobs, nil, nil)
	res, err := exp.Export(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, ArchiveKey(snap.ID), res.ArchiveKey)
	assert.Equal(t, int64(4), res.Files, "three files plus the manifest")
	assert.Greater(t, res.Bytes, int64(0))

	for _, key := range []string{res.ArchiveKey, res.ManifestKey} {
		ok, err := blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	rc, err := blobs.Get(ctx, res.ManifestKey)
	require.NoError(t, err)
	var doc domain.Snapshot
	require.NoError(t, json.NewDecoder(rc).Decode(&doc))
	rc.Close()
	assert.Equal(t, snap.IntegrityHash, doc.IntegrityHash)

	dest := filepath.Join(t.TempDir(), "restored")
	fetched, err := exp.Fetch(ctx, snap.ID, dest)
	require.NoError(t, err)
	assert.Equal(t, snap.IntegrityHash, fetched.IntegrityHash)

	data, err := os.ReadFile(filepath.Join(dest, "data", "users.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,ada\n", string(data))

	_, err = exp.Fetch(ctx, snap.ID, dest)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "destination already populated")
}

func TestExporter_FetchKeepsEmptyTopLevelDirectory(t *testing.T) {
	ctx := context.Background()
	// lib only holds an excluded file, so the snapshot has lib as an empty entry.
	store, snap := newSnapshotOf(t, map[string]string{
		"a.txt":    "alpha",
		"lib/x.so": "binary",
	})
	require.Contains(t, snap.Entries, "lib")
	assert.Equal(t, int64(0), snap.Entries["lib"].FileCount)

	blobs, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(store, blobs, nil, nil)
	res, err := exp.Export(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Files, "a.txt plus the manifest")

	dest := filepath.Join(t.TempDir(), "restored")
	fetched, err := exp.Fetch(ctx, snap.ID, dest)
	require.NoError(t, err)
	assert.Equal(t, snap.IntegrityHash, fetched.IntegrityHash)

	info, err := os.Stat(filepath.Join(dest, "lib"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(dest, "lib", "x.so"))
	assert.True(t, os.IsNotExist(err))
}

func TestExporter_UnknownSnapshot(t *testing.T) {
	store, _ := newSnapshot(t)
	blobs, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	exp := NewExporter(store, blobs, nil, nil)
	_, err = exp.Export(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = exp.Fetch(context.Background(), "missing", t.TempDir())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExporter_FetchDetectsTamperedArchive(t *testing.T) {
	ctx := context.Background()
	store, snap := newSnapshot(t)
	blobs, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(store, blobs, nil, nil)

	require.NoError(t, os.WriteFile(filepath.Join(snap.Location, "config.yaml"), []byte("replicas: 9"), 0644))
	_, err = exp.Export(ctx, snap.ID)
	require.NoError(t, err)

	_, err = exp.Fetch(ctx, snap.ID, filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, domain.ErrIntegrityMismatch)
	var ierr *domain.IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, []string{"config.yaml"}, ierr.Mismatches)
}

func TestExtractArchive_RejectsEscapingPaths(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/evil", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dest := t.TempDir()
	err = extractArchive(context.Background(), &buf, dest)
	assert.ErrorIs(t, err, domain.ErrCorrupt)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(dest)), "etc", "evil"))
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a/b/blob", strings.NewReader("payload")))

	ok, err := s.Exists(ctx, "a/b/blob")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "a/b/blob")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.Delete(ctx, "a/b/blob"))
	require.NoError(t, s.Delete(ctx, "a/b/blob"))
	_, err = s.Get(ctx, "a/b/blob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Put(ctx, "../escape", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

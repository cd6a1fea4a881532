package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
)

// Builder summarises a snapshot directory into a Manifest.
type Builder struct {
	hasher  *digest.Hasher
	workers int
}

func NewBuilder(hasher *digest.Hasher, workers int) *Builder {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Builder{hasher: hasher, workers: workers}
}

func (b *Builder) Algorithm() digest.Algorithm {
	return b.hasher.Algorithm()
}

type fileRecord struct {
	rel  string
	abs  string
	size int64
	hash string
}

// Build computes the manifest of root. With topLevel nil every top-level entry
// except the manifest file itself is included.
func (b *Builder) Build(ctx context.Context, root string, topLevel []string) (*domain.Manifest, error) {
	if topLevel == nil {
		names, err := TopLevel(root)
		if err != nil {
			return nil, err
		}
		topLevel = names
	}

	manifestPath, err := filepath.Abs(filepath.Join(root, domain.ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrIO, root, err)
	}

	var files []*fileRecord
	err = lethe.Walk(ctx, root, lethe.Rules{SkipPaths: []string{manifestPath}}, func(rel, abs string, info fs.FileInfo) error {
		files = append(files, &fileRecord{rel: rel, abs: abs, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(topLevel))
	for _, name := range topLevel {
		wanted[name] = true
	}
	selected := files[:0]
	for _, f := range files {
		if wanted[topName(f.rel)] {
			selected = append(selected, f)
		}
	}
	files = selected

	if err := b.hashAll(ctx, files); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	m := &domain.Manifest{Entries: make(map[string]domain.Entry, len(topLevel))}
	perEntry := make(map[string][]digest.Pair, len(topLevel))
	all := make([]digest.Pair, 0, len(files))

	for _, name := range topLevel {
		m.Entries[name] = domain.Entry{}
	}
	for _, f := range files {
		name := topName(f.rel)
		e := m.Entries[name]
		e.SizeBytes += f.size
		e.FileCount++
		m.Entries[name] = e

		pair := digest.Pair{Path: f.rel, Hash: f.hash}
		perEntry[name] = append(perEntry[name], pair)
		all = append(all, pair)

		m.TotalSizeBytes += f.size
		m.TotalFileCount++
	}
	for name, e := range m.Entries {
		e.SubtreeHash = b.hasher.Combine(perEntry[name])
		m.Entries[name] = e
	}
	m.IntegrityHash = b.hasher.Combine(all)
	return m, nil
}

func (b *Builder) hashAll(ctx context.Context, files []*fileRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := b.hasher.HashFile(f.abs)
			if err != nil {
				return err
			}
			f.hash = sum
			return nil
		})
	}
	return g.Wait()
}

func topName(rel string) string {
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return rel
}

// TopLevel lists the entries directly under root, excluding the manifest file.
func TopLevel(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrIO, root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == domain.ManifestFileName {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Diff names the entries that differ between two manifests: changed entries
// by name, added ones as "+name", removed ones as "-name".
func Diff(stored, current *domain.Manifest) []string {
	var out []string
	for name, e := range stored.Entries {
		c, ok := current.Entries[name]
		switch {
		case !ok:
			out = append(out, "-"+name)
		case c.SubtreeHash != e.SubtreeHash || c.SizeBytes != e.SizeBytes || c.FileCount != e.FileCount:
			out = append(out, name)
		}
	}
	for name := range current.Entries {
		if _, ok := stored.Entries[name]; !ok {
			out = append(out, "+"+name)
		}
	}
	sort.Strings(out)
	return out
}

// Read loads the manifest document of a snapshot directory. Absence or an
// unparseable document is ErrCorrupt.
func Read(dir string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, domain.ManifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: manifest missing", domain.ErrCorrupt, dir)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorrupt, dir, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorrupt, dir, err)
	}
	if snap.ID == "" || snap.IntegrityHash == "" {
		return nil, fmt.Errorf("%w: %s: incomplete manifest", domain.ErrCorrupt, dir)
	}
	if snap.Entries == nil {
		snap.Entries = map[string]domain.Entry{}
	}
	snap.Location = dir
	return &snap, nil
}

// Write stores snap's manifest document in dir, atomically.
func Write(dir string, snap *domain.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("%w: chmod manifest: %w", domain.ErrIO, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write manifest: %w", domain.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync manifest: %w", domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close manifest: %w", domain.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, domain.ManifestFileName)); err != nil {
		return fmt.Errorf("%w: rename manifest: %w", domain.ErrIO, err)
	}
	return nil
}

package cerberus_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/mnemosyne/pkg/cerberus"
	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

type fixture struct {
	store    *nyx.LocalManager
	verifier *cerberus.Verifier
	metrics  *hermes.PrometheusMetrics
	snap     *domain.Snapshot
}

func setup(t *testing.T, alg digest.Algorithm) *fixture {
	t.Helper()
	ctx := context.Background()

	src := t.TempDir()
	files := map[string]string{
		"a.txt":         "alpha",
		"b.txt":         "bravo",
		"dir/c.txt":     "charlie",
		"dir/sub/d.txt": "delta",
	}
	for rel, content := range files {
		p := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	h, err := digest.New(alg)
	require.NoError(t, err)
	store, err := nyx.NewLocalManager(ctx, t.TempDir(), nyx.Options{
		Copier:  lethe.NewTreeCopier(lethe.Options{}),
		Builder: manifest.NewBuilder(h, 2),
	})
	require.NoError(t, err)

	snap, err := store.Create(ctx, nyx.CreateRequest{Name: "base", Source: domain.Dir(src)})
	require.NoError(t, err)

	metrics := hermes.NewPrometheusMetrics()
	return &fixture{
		store:    store,
		verifier: cerberus.NewVerifier(store, cerberus.Options{Metrics: metrics}),
		metrics:  metrics,
		snap:     snap,
	}
}

func TestVerify_Intact(t *testing.T) {
	for _, alg := range []digest.Algorithm{digest.SHA256, digest.BLAKE2b256} {
		t.Run(string(alg), func(t *testing.T) {
			f := setup(t, alg)
			ok, mismatches, err := f.verifier.Verify(context.Background(), f.snap.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, mismatches)
		})
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(t *testing.T, dir string)
		want   []string
	}{
		{
			name: "modified nested file",
			tamper: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "dir", "sub", "d.txt"), []byte("DELTA"), 0644))
			},
			want: []string{"dir"},
		},
		{
			name: "removed file",
			tamper: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
			},
			want: []string{"-a.txt"},
		},
		{
			name: "added entry",
			tamper: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "intruder"), []byte("x"), 0644))
			},
			want: []string{"+intruder"},
		},
		{
			name: "same size different bytes",
			tamper: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("BRAVO"), 0644))
			},
			want: []string{"b.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, digest.SHA256)
			tt.tamper(t, f.snap.Location)

			ok, mismatches, err := f.verifier.Verify(context.Background(), f.snap.ID)
			assert.False(t, ok)
			assert.Equal(t, tt.want, mismatches)
			require.ErrorIs(t, err, domain.ErrIntegrityMismatch)

			var ierr *domain.IntegrityError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, f.snap.IntegrityHash, ierr.Expected)
			assert.NotEqual(t, ierr.Expected, ierr.Actual)
		})
	}
}

func TestVerify_MissingManifestIsCorrupt(t *testing.T) {
	f := setup(t, digest.SHA256)
	require.NoError(t, os.Remove(filepath.Join(f.snap.Location, domain.ManifestFileName)))

	ok, _, err := f.verifier.Verify(context.Background(), f.snap.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrCorrupt)
}

func TestVerify_UnknownSnapshot(t *testing.T) {
	f := setup(t, digest.SHA256)
	_, _, err := f.verifier.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyAll(t *testing.T) {
	ctx := context.Background()
	f := setup(t, digest.SHA256)

	second, err := f.store.Create(ctx, nyx.CreateRequest{Name: "second", Source: domain.Dir(f.snap.SourceRoot)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(second.Location, "a.txt"), []byte("tampered"), 0644))

	reports, err := f.verifier.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[domain.SnapshotID]cerberus.Report{}
	for _, r := range reports {
		byID[r.ID] = r
	}
	assert.True(t, byID[f.snap.ID].OK)
	assert.False(t, byID[second.ID].OK)
	assert.Equal(t, []string{"a.txt"}, byID[second.ID].Mismatches)

	var out bytes.Buffer
	require.NoError(t, f.metrics.Encode(&out))
	assert.Contains(t, out.String(), `mnemosyne_verify_total{result="mismatch"} 1`)
	assert.Contains(t, out.String(), `mnemosyne_verify_total{result="ok"} 1`)
}

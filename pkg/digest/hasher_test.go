package digest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "hello")

	h, err := New(SHA256)
	require.NoError(t, err)

	sum, err := h.HashFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	b, err := New(BLAKE2b256)
	require.NoError(t, err)
	other, err := b.HashFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Len(t, other, 64)
	assert.NotEqual(t, sum, other)
}

func TestHashFile_MissingIsIOError(t *testing.T) {
	h, err := New(Default)
	require.NoError(t, err)

	_, err = h.HashFile(filepath.Join(t.TempDir(), "gone"))
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestHashTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "1")
	writeFile(t, filepath.Join(dir, "sub", "b"), "2")

	h, err := New(Default)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := h.HashTree(ctx, dir, []string{"a", "sub/b"})
	require.NoError(t, err)
	again, err := h.HashTree(ctx, dir, []string{"a", "sub/b"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	reordered, err := h.HashTree(ctx, dir, []string{"sub/b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, first, reordered, "order of pairs is significant")

	writeFile(t, filepath.Join(dir, "a"), "changed")
	changed, err := h.HashTree(ctx, dir, []string{"a", "sub/b"})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestCombine_FramingIsUnambiguous(t *testing.T) {
	h, err := New(Default)
	require.NoError(t, err)

	a := h.Combine([]Pair{{Path: "ab", Hash: "c"}})
	b := h.Combine([]Pair{{Path: "a", Hash: "bc"}})
	assert.NotEqual(t, a, b)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, alg)

	_, err = ParseAlgorithm("md5")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

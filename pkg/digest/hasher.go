package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// Algorithm names a content hash function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"

	Default = SHA256
)

// ParseAlgorithm resolves a configured algorithm name. Empty means Default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "":
		return Default, nil
	case SHA256, BLAKE2b256:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("%w: unknown hash algorithm %q", domain.ErrInvalidArgument, name)
}

// Pair is one (relative path, content hash) element of a tree digest.
type Pair struct {
	Path string
	Hash string
}

// Hasher computes content digests of files and trees.
type Hasher struct {
	alg Algorithm
}

func New(alg Algorithm) (*Hasher, error) {
	alg, err := ParseAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}
	return &Hasher{alg: alg}, nil
}

func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

func (h *Hasher) newHash() hash.Hash {
	if h.alg == BLAKE2b256 {
		// Only fails for an oversized key.
		bh, _ := blake2b.New256(nil)
		return bh
	}
	return sha256.New()
}

// HashFile returns the hex digest of the file's content.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: hash %s: %w", domain.ErrIO, path, err)
	}
	defer f.Close()

	hh := h.newHash()
	if _, err := io.Copy(hh, f); err != nil {
		return "", fmt.Errorf("%w: hash %s: %w", domain.ErrIO, path, err)
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}

// HashTree hashes each file (slash-separated, relative to root) and combines the
// pairs in the order given.
func (h *Hasher) HashTree(ctx context.Context, root string, files []string) (string, error) {
	pairs := make([]Pair, 0, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sum, err := h.HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		pairs = append(pairs, Pair{Path: rel, Hash: sum})
	}
	return h.Combine(pairs), nil
}

// Combine digests pairs in the order given. Each pair is framed as
// "path NUL hash LF" so no two distinct sequences share an encoding.
func (h *Hasher) Combine(pairs []Pair) string {
	hh := h.newHash()
	for _, p := range pairs {
		io.WriteString(hh, p.Path)
		hh.Write([]byte{0})
		io.WriteString(hh, p.Hash)
		hh.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hh.Sum(nil))
}

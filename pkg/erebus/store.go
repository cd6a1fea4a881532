package erebus

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// Store is Erebus: the deep gloom where exported snapshots are kept.
// Get of a missing key returns domain.ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: invalid blob key %q", domain.ErrInvalidArgument, key)
	}
	return k, nil
}

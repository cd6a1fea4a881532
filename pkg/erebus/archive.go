package erebus

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
)

// writeArchive streams the tree under dir, manifest included, as a
// gzip-compressed tar to w. Directories get their own entries so empty ones
// survive extraction. It returns the number of regular files written.
func writeArchive(ctx context.Context, dir string, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var files int64
	err := lethe.WalkEntries(ctx, dir, lethe.Rules{}, func(rel, abs string, info fs.FileInfo) error {
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		header.Name = rel
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(abs)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrIO, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		files++
		return nil
	})
	if err != nil {
		return files, err
	}

	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return files, fmt.Errorf("close gzip: %w", err)
	}
	return files, nil
}

// extractArchive unpacks a gzip-compressed tar stream into dest. Only
// directories and regular files are accepted.
func extractArchive(ctx context.Context, r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: open gzip stream: %w", domain.ErrCorrupt, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	root := filepath.Clean(dest)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read tar: %w", domain.ErrCorrupt, err)
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: illegal path in archive: %s", domain.ErrCorrupt, header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrIO, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrIO, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrIO, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("%w: extract %s: %w", domain.ErrCorrupt, header.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrIO, err)
			}
			_ = os.Chtimes(target, header.ModTime, header.ModTime)
		default:
			return fmt.Errorf("%w: unsupported entry %s in archive", domain.ErrCorrupt, header.Name)
		}
	}
}

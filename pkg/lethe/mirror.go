package lethe

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// RemoveExtraneous deletes everything under dst that has no counterpart under
// src, so that after a CopyTree the two trees hold the same entries. Entries of
// dst that the rules exclude, or whose absolute path is a skip path, are kept.
// A src entry that is itself a skip path counts as absent.
func RemoveExtraneous(ctx context.Context, src, dst string, rules Rules) ([]string, error) {
	cr, err := rules.compile()
	if err != nil {
		return nil, err
	}
	absSrc, err := sourceDir(src)
	if err != nil {
		return nil, err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrIO, dst, err)
	}

	var removed []string
	err = pruneDir(ctx, cr, absSrc, absDst, "", &removed)
	return removed, err
}

func pruneDir(ctx context.Context, cr *compiledRules, srcDir, dstDir, rel string, removed *[]string) error {
	entries, err := os.ReadDir(dstDir)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", domain.ErrIO, dstDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		childRel := name
		if rel != "" {
			childRel = path.Join(rel, name)
		}
		dstPath := filepath.Join(dstDir, name)
		srcPath := filepath.Join(srcDir, name)

		if cr.skipped(dstPath) || cr.matcher.Match(childRel) {
			continue
		}

		srcInfo, err := os.Stat(srcPath)
		present := err == nil && !cr.skipped(srcPath)
		if present {
			if srcInfo.IsDir() && entry.IsDir() {
				if err := pruneDir(ctx, cr, srcPath, dstPath, childRel, removed); err != nil {
					return err
				}
			}
			continue
		}

		if err := os.RemoveAll(dstPath); err != nil {
			return fmt.Errorf("%w: remove %s: %w", domain.ErrIO, dstPath, err)
		}
		*removed = append(*removed, childRel)
	}
	return nil
}

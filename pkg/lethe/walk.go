package lethe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// ErrSymlinkCycle is recorded when a directory symlink leads back to one of its ancestors.
var ErrSymlinkCycle = errors.New("symlink cycle")

// WalkFunc receives a regular file (symlinks already resolved) with its
// slash-separated path relative to the walk root.
type WalkFunc func(rel, abs string, info fs.FileInfo) error

type walker struct {
	rules *compiledRules

	onDir  func(rel, abs string, info fs.FileInfo) error
	onFile WalkFunc
	// onErr receives non-fatal entry failures. When nil they abort the walk.
	onErr func(rel string, err error)

	ancestors map[string]bool
}

func (w *walker) fail(rel string, err error) error {
	if w.onErr == nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrIO, rel, err)
	}
	w.onErr(rel, err)
	return nil
}

func (w *walker) walk(ctx context.Context, root string) error {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", domain.ErrIO, root, err)
	}
	w.ancestors = map[string]bool{resolved: true}
	return w.walkDir(ctx, root, "")
}

func (w *walker) walkDir(ctx context.Context, dir, rel string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return w.fail(rel, err)
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
		childAbs := filepath.Join(dir, name)

		if w.rules.skipped(childAbs) || w.rules.matcher.Match(childRel) {
			continue
		}

		// Stat follows symlinks: links are copied as what they point to.
		info, err := os.Stat(childAbs)
		if err != nil {
			if err := w.fail(childRel, err); err != nil {
				return err
			}
			continue
		}

		switch {
		case info.IsDir():
			if err := w.descend(ctx, childAbs, childRel, info); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := w.onFile(childRel, childAbs, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) descend(ctx context.Context, abs, rel string, info fs.FileInfo) error {
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return w.fail(rel, err)
	}
	if w.ancestors[resolved] {
		return w.fail(rel, ErrSymlinkCycle)
	}

	if w.onDir != nil {
		if err := w.onDir(rel, abs, info); err != nil {
			return w.fail(rel, err)
		}
	}

	w.ancestors[resolved] = true
	defer delete(w.ancestors, resolved)
	return w.walkDir(ctx, abs, rel)
}

// Walk visits every regular file under root in lexical order, following
// symlinks and honouring rules. Any unreadable entry aborts the walk with ErrIO.
func Walk(ctx context.Context, root string, rules Rules, fn WalkFunc) error {
	cr, err := rules.compile()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrIO, root, err)
	}
	w := &walker{rules: cr, onFile: fn}
	return w.walk(ctx, abs)
}

// WalkEntries is Walk that also visits directories, each before its contents.
// fn tells them apart with info.IsDir().
func WalkEntries(ctx context.Context, root string, rules Rules, fn WalkFunc) error {
	cr, err := rules.compile()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrIO, root, err)
	}
	w := &walker{rules: cr, onDir: fn, onFile: fn}
	return w.walk(ctx, abs)
}

// Usage is the amount of data a copy with the same rules would transfer.
type Usage struct {
	Bytes int64
	Files int64
}

// Measure sums the regular files under root that rules let through.
// Unreadable entries are skipped.
func Measure(ctx context.Context, root string, rules Rules) (Usage, error) {
	var u Usage
	cr, err := rules.compile()
	if err != nil {
		return u, err
	}
	abs, err := sourceDir(root)
	if err != nil {
		return u, err
	}

	w := &walker{
		rules: cr,
		onFile: func(_, _ string, info fs.FileInfo) error {
			u.Bytes += info.Size()
			u.Files++
			return nil
		},
		onErr: func(string, error) {},
	}
	if err := w.walk(ctx, abs); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func sourceDir(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrIO, root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: source %s: %w", domain.ErrIO, root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: source %s is not a directory", domain.ErrIO, root)
	}
	return abs, nil
}

package lethe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
)

// Copier is Lethe: it carries a tree across and forgets what the rules exclude.
type Copier interface {
	// CopyTree copies src into dst. Per-entry failures are collected in the
	// Result; the error is reserved for fatal conditions.
	CopyTree(ctx context.Context, src, dst string, rules Rules) (*Result, error)
}

// PathError is a single failed entry, relative to the copy source.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e PathError) Unwrap() error {
	return e.Err
}

// Result aggregates a tree copy.
type Result struct {
	BytesCopied int64
	FilesCopied int64
	Errors      []PathError
	HadErrors   bool
}

// Err joins the recorded entry errors, or returns nil.
func (r *Result) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// FailedPaths lists the relative paths that could not be copied.
func (r *Result) FailedPaths() []string {
	if r == nil {
		return nil
	}
	paths := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		paths[i] = e.Path
	}
	return paths
}

type Options struct {
	// Workers bounds concurrent file copies. Zero means runtime.NumCPU().
	Workers int
	// BytesPerSecond throttles all copies of this copier. Zero disables throttling.
	BytesPerSecond int64
	Logger         hermes.Logger
}

// TreeCopier is the filesystem Copier.
type TreeCopier struct {
	workers int
	limiter *rate.Limiter
	logger  hermes.Logger
}

func NewTreeCopier(opts Options) *TreeCopier {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = hermes.NewNopLogger()
	}

	c := &TreeCopier{workers: workers, logger: logger}
	if opts.BytesPerSecond > 0 {
		burst := int(opts.BytesPerSecond)
		if burst < minBurst {
			burst = minBurst
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSecond), burst)
	}
	return c
}

const minBurst = 32 * 1024

type copyState struct {
	mu     sync.Mutex
	result Result
}

func (s *copyState) recordError(rel string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Errors = append(s.result.Errors, PathError{Path: rel, Err: err})
	s.result.HadErrors = true
}

func (s *copyState) recordCopied(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.FilesCopied++
	s.result.BytesCopied += n
}

func (c *TreeCopier) CopyTree(ctx context.Context, src, dst string, rules Rules) (*Result, error) {
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
		return nil, fmt.Errorf("%w: destination %s: %w", domain.ErrIO, dst, err)
	}
	if err := ensureDir(absDst, 0755); err != nil {
		return nil, fmt.Errorf("%w: destination %s: %w", domain.ErrIO, dst, err)
	}

	state := &copyState{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	w := &walker{
		rules: cr,
		onDir: func(rel, _ string, info fs.FileInfo) error {
			return ensureDir(filepath.Join(absDst, filepath.FromSlash(rel)), info.Mode().Perm()|0700)
		},
		onFile: func(rel, abs string, info fs.FileInfo) error {
			target := filepath.Join(absDst, filepath.FromSlash(rel))
			g.Go(func() error {
				n, err := c.copyFile(gctx, abs, target, info)
				if err != nil {
					state.recordError(rel, err)
					return nil
				}
				state.recordCopied(n)
				return nil
			})
			return nil
		},
		onErr: state.recordError,
	}

	walkErr := w.walk(gctx, absSrc)
	_ = g.Wait()

	res := &state.result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if walkErr != nil {
		return res, walkErr
	}

	if res.HadErrors {
		c.logger.Error(ctx, "Tree copy finished with errors", map[string]any{
			"src":    src,
			"dst":    dst,
			"files":  res.FilesCopied,
			"errors": len(res.Errors),
		})
	}
	return res, nil
}

// ensureDir creates dir, replacing a non-directory that occupies the path.
func ensureDir(dir string, perm os.FileMode) error {
	info, err := os.Lstat(dir)
	if err == nil && !info.IsDir() {
		if err := os.Remove(dir); err != nil {
			return err
		}
	}
	return os.MkdirAll(dir, perm)
}

func (c *TreeCopier) copyFile(ctx context.Context, src, dst string, info fs.FileInfo) (int64, error) {
	var n int64
	err := retry(ctx, "copy", func() error {
		var err error
		n, err = c.copyOnce(ctx, src, dst, info)
		return err
	})
	return n, err
}

// copyOnce writes into a temp file beside dst and renames it into place.
func (c *TreeCopier) copyOnce(ctx context.Context, src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if existing, err := os.Lstat(dst); err == nil && existing.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return 0, err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".lethe-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var out io.Writer = tmp
	if c.limiter != nil {
		out = &throttledWriter{ctx: ctx, w: tmp, limiter: c.limiter}
	}

	n, err := io.Copy(out, in)
	if err != nil {
		return n, err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, err
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return n, nil
}

type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if burst := t.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

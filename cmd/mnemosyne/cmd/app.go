package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/cerberus"
	"github.com/tartarus-sandbox/mnemosyne/pkg/charon"
	"github.com/tartarus-sandbox/mnemosyne/pkg/config"
	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/erebus"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hades"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
	"github.com/tartarus-sandbox/mnemosyne/pkg/thanatos"
)

const (
	journalFile     = ".journal.jsonl"
	lastRestoreFile = ".last-restore.json"
)

// app holds the engine wired from the loaded configuration.
type app struct {
	cfg      *config.Config
	secrets  *config.Secrets
	logger   hermes.Logger
	metrics  *hermes.PrometheusMetrics
	registry hades.Registry
	locker   hades.Locker
	auditor  audit.Auditor
	journal  *audit.Journal
	copier   *lethe.TreeCopier
	store    *nyx.LocalManager

	closers []func() error
}

func openApp(cmd *cobra.Command) (a *app, err error) {
	ctx := cmd.Context()
	a = &app{
		cfg:     cfg,
		secrets: &config.Secrets{},
		logger:  hermes.NewSlogAdapterWithOptions(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level),
		metrics: hermes.NewPrometheusMetrics(),
		auditor: audit.NopAuditor{},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	root := cfg.Storage.Root
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: create storage root: %w", domain.ErrIO, err)
	}

	switch cfg.Registry.Backend {
	case "redis":
		password, err := a.secrets.Resolve(ctx, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		reg, err := hades.NewRedisRegistry(cfg.Redis.Addr, cfg.Redis.DB, password, cfg.Registry.Namespace)
		if err != nil {
			return nil, err
		}
		a.registry = reg
		a.closers = append(a.closers, reg.Close)
	default:
		a.registry = hades.NewFileRestores(hades.NewMemoryRegistry(), filepath.Join(root, lastRestoreFile))
	}

	switch cfg.Restore.Lock {
	case "redis":
		password, err := a.secrets.Resolve(ctx, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		locker, err := hades.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.DB, password, cfg.Registry.Namespace)
		if err != nil {
			return nil, err
		}
		a.locker = locker
		a.closers = append(a.closers, locker.Close)
	default:
		a.locker = hades.NewFileLocker(root)
	}

	if cfg.Audit.Enabled {
		secret, err := a.secrets.Resolve(ctx, cfg.Audit.Secret)
		if err != nil {
			return nil, err
		}
		j, err := audit.OpenJournal(filepath.Join(root, journalFile), []byte(secret))
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.auditor = j
		a.closers = append(a.closers, j.Close)
	}

	alg, err := digest.ParseAlgorithm(cfg.Snapshot.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	hasher, err := digest.New(alg)
	if err != nil {
		return nil, err
	}

	a.copier = lethe.NewTreeCopier(lethe.Options{
		Workers:        cfg.Copy.Workers,
		BytesPerSecond: cfg.Copy.RateLimitBytes,
		Logger:         a.logger,
	})
	a.store, err = nyx.NewLocalManager(ctx, root, nyx.Options{
		Copier:       a.copier,
		Builder:      manifest.NewBuilder(hasher, cfg.Copy.Workers),
		Registry:     a.registry,
		Locker:       a.locker,
		Logger:       a.logger,
		Metrics:      a.metrics,
		Auditor:      a.auditor,
		MinFreeBytes: uint64(cfg.Copy.MinFreeBytes),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close flushes metrics to the configured textfile and releases connections.
func (a *app) Close() {
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.logger.Error(context.Background(), "Failed to write metrics", map[string]any{"path": a.cfg.Metrics.Textfile, "error": err.Error()})
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) verifier() *cerberus.Verifier {
	return cerberus.NewVerifier(a.store, cerberus.Options{
		Workers: a.cfg.Copy.Workers,
		Logger:  a.logger,
		Metrics: a.metrics,
		Auditor: a.auditor,
	})
}

func (a *app) coordinator() (*charon.Coordinator, error) {
	return charon.NewCoordinator(domain.Dir(a.cfg.Source.Root), charon.Options{
		Store:    a.store,
		Copier:   a.copier,
		Verifier: a.verifier(),
		Registry: a.registry,
		LockTTL:  a.cfg.Restore.LockTTL,
		Logger:   a.logger,
		Metrics:  a.metrics,
		Auditor:  a.auditor,
	})
}

func (a *app) reaper() *thanatos.Reaper {
	return thanatos.NewReaper(thanatos.ReaperConfig{
		Store:    a.store,
		Registry: a.registry,
		Auditor:  a.auditor,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
}

// blobs opens the export backend, "local" or "s3".
func (a *app) blobs(ctx context.Context, backend string) (erebus.Store, error) {
	switch backend {
	case "local":
		return erebus.NewLocalStore(a.cfg.Export.LocalPath)
	case "s3":
		s3cfg := a.cfg.Export.S3
		if s3cfg.Bucket == "" {
			return nil, usageErrorf("%w: export.s3.bucket is not set", domain.ErrInvalidArgument)
		}
		secret, err := a.secrets.Resolve(ctx, s3cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		return erebus.NewS3Store(ctx, erebus.S3Options{
			Endpoint:   s3cfg.Endpoint,
			Region:     s3cfg.Region,
			Bucket:     s3cfg.Bucket,
			AccessKey:  s3cfg.AccessKey,
			SecretKey:  secret,
			LocalCache: s3cfg.Cache,
		})
	}
	return nil, usageErrorf("unknown export backend %q", backend)
}

func (a *app) exporter(ctx context.Context, backend string) (*erebus.Exporter, error) {
	blobs, err := a.blobs(ctx, backend)
	if err != nil {
		return nil, err
	}
	return erebus.NewExporter(a.store, blobs, a.logger, a.auditor), nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
)

const (
	EnvPrefix  = "MNEMOSYNE"
	ConfigName = "mnemosyne"
)

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Copy      CopyConfig      `mapstructure:"copy"`
	Retention RetentionConfig `mapstructure:"retention"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Restore   RestoreConfig   `mapstructure:"restore"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Export    ExportConfig    `mapstructure:"export"`
}

type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type SourceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type SnapshotConfig struct {
	Excludes      []string `mapstructure:"excludes" yaml:"excludes"`
	HashAlgorithm string   `mapstructure:"hash_algorithm" yaml:"hash_algorithm"`
}

type CopyConfig struct {
	Workers        int   `mapstructure:"workers" yaml:"workers"`
	RateLimitBytes int64 `mapstructure:"rate_limit_bytes" yaml:"rate_limit_bytes"`
	MinFreeBytes   int64 `mapstructure:"min_free_bytes" yaml:"min_free_bytes"`
}

type RetentionConfig struct {
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MinKeep int           `mapstructure:"min_keep" yaml:"min_keep"`
}

type RegistryConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Password string `mapstructure:"password" yaml:"password"`
}

type RestoreConfig struct {
	Lock    string        `mapstructure:"lock" yaml:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Secret keys the journal hash chain. It may be a literal or a
	// reference: env:NAME or ssm:/parameter/name.
	Secret string `mapstructure:"secret" yaml:"secret"`
}

type ExportConfig struct {
	Backend   string         `mapstructure:"backend" yaml:"backend"`
	LocalPath string         `mapstructure:"local_path" yaml:"local_path"`
	S3        ExportS3Config `mapstructure:"s3" yaml:"s3"`
}

type ExportS3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Cache     string `mapstructure:"cache" yaml:"cache"`
}

// SetDefaults registers every key with its default so that environment
// overrides work for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".mnemosyne", "snapshots")

	v.SetDefault("storage.root", root)
	v.SetDefault("source.root", ".")
	v.SetDefault("snapshot.excludes", lethe.DefaultExcludes)
	v.SetDefault("snapshot.hash_algorithm", string(digest.Default))
	v.SetDefault("copy.workers", 8)
	v.SetDefault("copy.rate_limit_bytes", 0)
	v.SetDefault("copy.min_free_bytes", 0)
	v.SetDefault("retention.max_age", "30d")
	v.SetDefault("retention.min_keep", 5)
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.namespace", "default")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("restore.lock", "file")
	v.SetDefault("restore.lock_ttl", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.secret", "mnemosyne")
	v.SetDefault("export.backend", "local")
	v.SetDefault("export.local_path", filepath.Join(home, ".mnemosyne", "exports"))
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.region", "us-east-1")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.access_key", "")
	v.SetDefault("export.s3.secret_key", "")
	v.SetDefault("export.s3.cache", filepath.Join(os.TempDir(), "mnemosyne-export-cache"))
}

// Init prepares v to read mnemosyne.yaml from file, or from the standard
// locations when file is empty, with MNEMOSYNE_* environment overrides.
func Init(v *viper.Viper, file string) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mnemosyne"))
		}
		v.AddConfigPath("/etc/mnemosyne")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Read loads the config file if one is found. A missing file is not an error
// unless it was named explicitly.
func Read(v *viper.Viper, explicit bool) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok && !explicit {
		return nil
	}
	return fmt.Errorf("%w: read config: %w", domain.ErrInvalidArgument, err)
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", domain.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return ParseDuration(data.(string))
	case reflect.Int, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()), nil
	}
	return data, nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day form
// such as "30d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid duration %q", domain.ErrInvalidArgument, s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", domain.ErrInvalidArgument, s)
	}
	return d, nil
}

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Storage.Root == "" {
		add("storage.root is required")
	}
	if _, err := digest.ParseAlgorithm(c.Snapshot.HashAlgorithm); err != nil {
		add("snapshot.hash_algorithm %q is not supported", c.Snapshot.HashAlgorithm)
	}
	if _, err := lethe.NewMatcher(c.Snapshot.Excludes); err != nil {
		add("snapshot.excludes: %v", err)
	}
	if c.Copy.Workers < 0 {
		add("copy.workers must not be negative")
	}
	if c.Copy.RateLimitBytes < 0 {
		add("copy.rate_limit_bytes must not be negative")
	}
	if c.Copy.MinFreeBytes < 0 {
		add("copy.min_free_bytes must not be negative")
	}
	if c.Retention.MaxAge < 0 {
		add("retention.max_age must not be negative")
	}
	if c.Retention.MinKeep < 0 {
		add("retention.min_keep must not be negative")
	}
	if c.Registry.Backend != "memory" && c.Registry.Backend != "redis" {
		add("registry.backend must be memory or redis, got %q", c.Registry.Backend)
	}
	if c.Restore.Lock != "file" && c.Restore.Lock != "redis" {
		add("restore.lock must be file or redis, got %q", c.Restore.Lock)
	}
	if c.Restore.LockTTL < 0 {
		add("restore.lock_ttl must not be negative")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}
	switch c.Export.Backend {
	case "local":
	case "s3":
		if c.Export.S3.Bucket == "" {
			add("export.s3.bucket is required for the s3 backend")
		}
	default:
		add("export.backend must be local or s3, got %q", c.Export.Backend)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// RetentionPolicy returns the configured default retention.
func (c *Config) RetentionPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{MaxAge: c.Retention.MaxAge, MinKeep: c.Retention.MinKeep}
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30d", want: 30 * 24 * time.Hour},
		{in: "0.5d", want: 12 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "0", want: 0},
		{in: "d", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	Init(v, "")
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 30*24*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 5, cfg.Retention.MinKeep)
	assert.Equal(t, "sha256", cfg.Snapshot.HashAlgorithm)
	assert.Equal(t, lethe.DefaultExcludes, cfg.Snapshot.Excludes)
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, "file", cfg.Restore.Lock)
	assert.Equal(t, time.Hour, cfg.Restore.LockTTL)
	assert.Equal(t, domain.RetentionPolicy{MaxAge: 30 * 24 * time.Hour, MinKeep: 5}, cfg.RetentionPolicy())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemosyne.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  root: /var/lib/mnemosyne
snapshot:
  hash_algorithm: blake2b-256
  excludes: ["*.log", "tmp"]
retention:
  max_age: 7d
  min_keep: 2
registry:
  backend: redis
  namespace: prod
`), 0644))

	t.Setenv("MNEMOSYNE_RETENTION_MIN_KEEP", "9")
	t.Setenv("MNEMOSYNE_COPY_WORKERS", "3")

	v := viper.New()
	Init(v, path)
	require.NoError(t, Read(v, true))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mnemosyne", cfg.Storage.Root)
	assert.Equal(t, "blake2b-256", cfg.Snapshot.HashAlgorithm)
	assert.Equal(t, []string{"*.log", "tmp"}, cfg.Snapshot.Excludes)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 9, cfg.Retention.MinKeep)
	assert.Equal(t, 3, cfg.Copy.Workers)
	assert.Equal(t, "redis", cfg.Registry.Backend)
	assert.Equal(t, "prod", cfg.Registry.Namespace)
}

func TestRead_MissingFile(t *testing.T) {
	v := viper.New()
	Init(v, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, Read(v, true), domain.ErrInvalidArgument)

	v = viper.New()
	Init(v, "")
	v.AddConfigPath(t.TempDir())
	assert.NoError(t, Read(v, false))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown registry", func(c *Config) { c.Registry.Backend = "etcd" }, "registry.backend"},
		{"unknown algorithm", func(c *Config) { c.Snapshot.HashAlgorithm = "md5" }, "hash_algorithm"},
		{"negative min keep", func(c *Config) { c.Retention.MinKeep = -1 }, "retention.min_keep"},
		{"negative max age", func(c *Config) { c.Retention.MaxAge = -time.Hour }, "retention.max_age"},
		{"bad exclude", func(c *Config) { c.Snapshot.Excludes = []string{"[unterminated"} }, "snapshot.excludes"},
		{"s3 without bucket", func(c *Config) { c.Export.Backend = "s3" }, "export.s3.bucket"},
		{"in-process restore lock", func(c *Config) { c.Restore.Lock = "memory" }, "restore.lock"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			Init(v, "")
			cfg, err := Load(v)
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// MockParameterGetter implements ParameterGetter
type MockParameterGetter struct {
	mock.Mock
}

func (m *MockParameterGetter) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Name))
	out, _ := args.Get(0).(*ssm.GetParameterOutput)
	return out, args.Error(1)
}

func TestSecrets_Resolve(t *testing.T) {
	ctx := context.Background()
	getter := new(MockParameterGetter)
	getter.On("GetParameter", mock.Anything, "/mnemosyne/audit").
		Return(&ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String("from-ssm")}}, nil)
	getter.On("GetParameter", mock.Anything, "/missing").
		Return(nil, errors.New("ParameterNotFound"))

	s := &Secrets{SSM: getter}
	t.Setenv("MNEMOSYNE_TEST_SECRET", "from-env")

	val, err := s.Resolve(ctx, "env:MNEMOSYNE_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	_, err = s.Resolve(ctx, "env:MNEMOSYNE_UNSET_SECRET")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	val, err = s.Resolve(ctx, "ssm:/mnemosyne/audit")
	require.NoError(t, err)
	assert.Equal(t, "from-ssm", val)

	_, err = s.Resolve(ctx, "ssm:/missing")
	assert.Error(t, err)

	val, err = s.Resolve(ctx, "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", val)

	getter.AssertExpectations(t)
}

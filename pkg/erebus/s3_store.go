package erebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// S3Options configures an S3 or S3-compatible (MinIO) export target.
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// LocalCache holds downloaded archives so repeated fetches stay local.
	LocalCache string
}

type S3Store struct {
	client     *s3.Client
	bucket     string
	localCache string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", domain.ErrInvalidArgument)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if opts.LocalCache != "" {
		if err := os.MkdirAll(opts.LocalCache, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create local cache dir: %w", domain.ErrIO, err)
		}
	}

	return &S3Store{
		client:     client,
		bucket:     opts.Bucket,
		localCache: opts.LocalCache,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3: %w", k, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Get serves from the local cache when possible, otherwise downloads into it.
// Without a cache directory the object is downloaded to a temporary file.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	dir := os.TempDir()
	localPath := ""
	if s.localCache != "" {
		localPath = filepath.Join(s.localCache, filepath.FromSlash(k))
		if f, err := os.Open(localPath); err == nil {
			return f, nil
		}
		dir = filepath.Dir(localPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create parent dir: %w", domain.ErrIO, err)
		}
	}

	// Same directory as localPath: the rename below must not cross filesystems.
	tmpFile, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp file: %w", domain.ErrIO, err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	_, err = s.downloader.Download(ctx, tmpFile, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, k)
		}
		return nil, fmt.Errorf("failed to download %s from s3: %w", k, err)
	}

	if localPath == "" {
		// The open handle keeps the data readable after the deferred remove.
		f, err := os.Open(tmpFile.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrIO, err)
		}
		return f, nil
	}

	if err := os.Rename(tmpFile.Name(), localPath); err != nil {
		return nil, fmt.Errorf("%w: failed to move download into local cache: %w", domain.ErrIO, err)
	}
	return os.Open(localPath)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s in s3: %w", k, err)
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from s3: %w", k, err)
	}

	if s.localCache != "" {
		_ = os.Remove(filepath.Join(s.localCache, filepath.FromSlash(k)))
	}
	return nil
}

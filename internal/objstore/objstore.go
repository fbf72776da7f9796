// Package objstore wraps an S3-compatible bucket. It mirrors published
// assets, serves them to the gateway and fetches remote background tracks.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

type Config struct {
	Endpoint  string `mapstructure:"endpoint" env:"ENDPOINT"`
	Region    string `mapstructure:"region" env:"REGION"`
	Bucket    string `mapstructure:"bucket" env:"BUCKET"`
	AccessKey string `mapstructure:"access_key" env:"ACCESS_KEY"`
	SecretKey string `mapstructure:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `mapstructure:"use_ssl" env:"USE_SSL" envDefault:"true"`
	PathStyle bool   `mapstructure:"path_style" env:"PATH_STYLE"`
}

// Enabled reports whether enough is configured to connect.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type Store struct {
	cl     *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &Store{cl: cl, bucket: cfg.Bucket}, nil
}

// Bucket returns the default bucket.
func (s *Store) Bucket() string { return s.bucket }

// Ping checks that the default bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}

// Upload copies a local file to key in the default bucket.
func (s *Store) Upload(ctx context.Context, key, path, contentType string) (int64, error) {
	info, err := s.cl.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Exists reports whether key is present in the default bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Download writes bucket/key to path. An empty bucket means the default.
func (s *Store) Download(ctx context.Context, bucket, key, path string) error {
	if bucket == "" {
		bucket = s.bucket
	}
	err := s.cl.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{})
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return err
}

// Object is a seekable remote object.
type Object struct {
	*minio.Object
	Size        int64
	ContentType string
	ETag        string
}

// Open returns a seekable reader over key. The caller closes it.
func (s *Store) Open(ctx context.Context, key string) (*Object, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat performs the request
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return &Object{Object: obj, Size: info.Size, ContentType: info.ContentType, ETag: info.ETag}, nil
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 reference: %q", ref)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 reference %q has no key", ref)
	}
	return u.Host, key, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// Package media resolves stored-file handles used by photo and video sends.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrDisabled   = errors.New("media store disabled")
	ErrBadHandle  = errors.New("invalid media handle")
	ErrNotPresent = errors.New("media object not found")
)

// Object is an opened media file. Callers must Close it.
type Object struct {
	io.ReadCloser
	Name string
}

type Store interface {
	Open(ctx context.Context, handle string) (Object, error)
}

type Config struct {
	Driver    string // "local", "s3", or "" / "none"
	Root      string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New returns the configured store, or nil when media handles are disabled.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "local":
		if strings.TrimSpace(cfg.Root) == "" {
			return nil, errors.New("media.root is required for local driver")
		}
		return NewLocal(cfg.Root), nil
	case "s3":
		st, err := newS3(cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown media driver: %s", cfg.Driver)
	}
}

// cleanHandle rejects absolute paths and any attempt to leave the store root.
func cleanHandle(handle string) (string, error) {
	h := strings.TrimSpace(handle)
	if h == "" || strings.HasPrefix(h, "/") || strings.HasPrefix(h, `\`) {
		return "", ErrBadHandle
	}
	c := filepath.ToSlash(filepath.Clean(h))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrBadHandle
	}
	return c, nil
}

type Local struct{ root string }

func NewLocal(root string) *Local { return &Local{root: root} }

func (l *Local) Open(ctx context.Context, handle string) (Object, error) {
	_ = ctx
	h, err := cleanHandle(handle)
	if err != nil {
		return Object{}, err
	}
	f, err := os.Open(filepath.Join(l.root, filepath.FromSlash(h)))
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, fmt.Errorf("%s: %w", h, ErrNotPresent)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{ReadCloser: f, Name: filepath.Base(h)}, nil
}

type S3 struct {
	client *minio.Client
	bucket string
}

func newS3(cfg Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("media.endpoint is required for s3 driver")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("media.bucket is required for s3 driver")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3{client: client, bucket: strings.TrimSpace(cfg.Bucket)}, nil
}

func (s *S3) Open(ctx context.Context, handle string) (Object, error) {
	key, err := cleanHandle(handle)
	if err != nil {
		return Object{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, fmt.Errorf("get object: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the upload starts.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotPresent)
		}
		return Object{}, fmt.Errorf("stat object: %w", err)
	}
	return Object{ReadCloser: obj, Name: filepath.Base(key)}, nil
}

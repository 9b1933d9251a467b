package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible object store client.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinioStore implements Store against any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore builds a store client. It does not probe the endpoint; the
// first operation surfaces connectivity errors.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

var _ Store = (*MinioStore)(nil)

func (s *MinioStore) Download(ctx context.Context, bucket, key, dest string) error {
	if err := s.client.FGetObject(ctx, bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) UploadFile(ctx context.Context, bucket, key, src string) error {
	opts := minio.PutObjectOptions{ContentType: contentTypeFor(key)}
	if _, err := s.client.FPutObject(ctx, bucket, key, src, opts); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) UploadDir(ctx context.Context, bucket, prefix, dir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if err := s.UploadFile(ctx, bucket, key, p); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	return uploaded, nil
}

func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/andresuchdata/dicom-compressor/internal/config"
)

// ErrObjectNotFound is returned when a bucket/key pair does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo represents metadata for a remote file/object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage captures the minimal S3-compatible operations the pipeline needs.
// Implementations are safe for concurrent use by many units of work.
type ObjectStorage interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// New builds the driver selected by cfg.Driver.
func New(cfg config.StorageConfig) (ObjectStorage, error) {
	var (
		client ObjectStorage
		err    error
	)

	switch cfg.Driver {
	case "", "s3":
		client, err = NewS3Client(S3Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
		})
	case "minio":
		client, err = NewMinioClient(MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	case "local":
		client, err = NewLocalClient(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpeg", ".jpg":
		return "image/jpeg"
	case ".dcm":
		return "application/dicom"
	default:
		return "application/octet-stream"
	}
}

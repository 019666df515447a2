package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioConfig encapsulates the connection info for S3-compatible storage.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinioClient implements ObjectStorage for MinIO / S3-compatible services.
type MinioClient struct {
	client *minio.Client
}

// NewMinioClient builds a client for cfg.Endpoint. Without static keys the credentials
// are read from the AWS_* / MINIO_* environment or the instance role.
func NewMinioClient(cfg MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must be provided")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		})
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	return &MinioClient{client: client}, nil
}

func (c *MinioClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrap(err, "get", bucket, key)
	}
	defer obj.Close()

	// Errors from the request surface on the first read.
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.wrap(err, "get", bucket, key)
	}
	return body, nil
}

func (c *MinioClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return c.wrap(err, "put", bucket, key)
	}
	return nil
}

func (c *MinioClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	results := make([]ObjectInfo, 0)
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, c.wrap(obj.Err, "list", bucket, prefix)
		}
		results = append(results, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return results, nil
}

func (c *MinioClient) wrap(err error, op, bucket, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || (op == "get" && resp.StatusCode == http.StatusNotFound) {
		return errors.Wrapf(ErrObjectNotFound, "s3://%s/%s", bucket, key)
	}
	return errors.Wrapf(err, "minio %s failed. key = s3://%s/%s", op, bucket, key)
}

var _ ObjectStorage = (*MinioClient)(nil)

package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// S3Config configures the AWS S3 driver. Empty credentials fall back to the
// SDK's default chain (environment, shared config, instance role).
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// S3Client implements ObjectStorage on aws-sdk-go. The underlying HTTP client pools
// connections and is shared by every caller.
type S3Client struct {
	svc *s3.S3
}

func NewS3Client(cfg S3Config) (*S3Client, error) {
	awsCfg := aws.Config{}
	if region := strings.TrimSpace(cfg.Region); region != "" {
		awsCfg.Region = aws.String(region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}

	return &S3Client{svc: s3.New(sess)}, nil
}

func (c *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("s3: get object")

	out, err := c.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errors.Wrapf(ErrObjectNotFound, "s3://%s/%s", bucket, key)
		}
		return nil, errors.Wrapf(err, "GetObject failed. key = s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "GetObject read failed. key = s3://%s/%s", bucket, key)
	}
	return body, nil
}

func (c *S3Client) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	log.Debug().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("s3: put object")

	_, err := c.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return errors.Wrapf(err, "PutObject failed. key = s3://%s/%s", bucket, key)
	}
	return nil
}

func (c *S3Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	err := c.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			results = append(results, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ListObjectsV2 failed. prefix = s3://%s/%s", bucket, prefix)
	}
	return results, nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

var _ ObjectStorage = (*S3Client)(nil)

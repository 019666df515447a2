package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	cmstorage "github.com/chartmuseum/storage"
	"github.com/pkg/errors"
)

// LocalClient implements ObjectStorage on chartmuseum's filesystem backend. Each bucket is
// a directory under root.
type LocalClient struct {
	root string

	mu       sync.Mutex
	backends map[string]cmstorage.Backend
}

// NewLocalClient builds a LocalClient rooted at root, creating it if needed.
func NewLocalClient(root string) (*LocalClient, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local storage root must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating storage root %s: %w", root, err)
	}
	return &LocalClient{
		root:     root,
		backends: make(map[string]cmstorage.Backend),
	}, nil
}

func (c *LocalClient) backend(bucket string) (cmstorage.Backend, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.backends[bucket]; ok {
		return b, nil
	}
	b := cmstorage.NewLocalFilesystemBackend(filepath.Join(c.root, bucket))
	c.backends[bucket] = b
	return b, nil
}

// cleanKey resolves key as if it were rooted at the bucket directory, so ".." segments
// cannot leave it.
func cleanKey(key string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if cleaned == "" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}

func (c *LocalClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.backend(bucket)
	if err != nil {
		return nil, err
	}
	if key, err = cleanKey(key); err != nil {
		return nil, err
	}

	object, err := b.GetObject(key)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) || errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrObjectNotFound, "local://%s/%s", bucket, key)
		}
		return nil, errors.Wrapf(err, "local get failed. key = %s/%s", bucket, key)
	}
	return object.Content, nil
}

func (c *LocalClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := c.backend(bucket)
	if err != nil {
		return err
	}
	if key, err = cleanKey(key); err != nil {
		return err
	}
	if err := b.PutObject(key, data); err != nil {
		return errors.Wrapf(err, "local put failed. key = %s/%s", bucket, key)
	}
	return nil
}

// ListObjects lists every object below prefix, which names a directory. The backend only
// lists one directory level, so subdirectories are descended here.
func (c *LocalClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	b, err := c.backend(bucket)
	if err != nil {
		return nil, err
	}

	prefix = strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(prefix)), "/")
	bucketRoot := filepath.Join(c.root, bucket)

	seen := make(map[string]struct{})
	results := make([]ObjectInfo, 0)
	pending := []string{prefix}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := pending[0]
		pending = pending[1:]

		if _, err := os.Stat(filepath.Join(bucketRoot, filepath.FromSlash(dir))); os.IsNotExist(err) {
			continue
		}

		files, err := b.ListObjects(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "local list failed. prefix = %s/%s", bucket, dir)
		}
		for _, object := range files {
			key := joinKey(dir, filepath.ToSlash(object.Path))
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			info := ObjectInfo{Key: key, LastModified: object.LastModified}
			if st, err := os.Stat(filepath.Join(bucketRoot, filepath.FromSlash(key))); err == nil {
				info.Size = st.Size()
			}
			results = append(results, info)
		}

		entries, err := os.ReadDir(filepath.Join(bucketRoot, filepath.FromSlash(dir)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "local list failed. prefix = %s/%s", bucket, dir)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				pending = append(pending, joinKey(dir, entry.Name()))
			}
		}
	}
	return results, nil
}

func joinKey(dir, name string) string {
	name = strings.TrimPrefix(name, "/")
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

var _ ObjectStorage = (*LocalClient)(nil)

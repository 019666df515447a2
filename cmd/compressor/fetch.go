package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/dicom-compressor/internal/staging"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

// fetcher copies source objects to a local directory without converting them, for
// inspecting objects that fail in a batch.
type fetcher struct {
	client storage.ObjectStorage
	stager *staging.Stager
}

func fetchObjects(c *cli.Context) error {
	d, err := depsFrom(c)
	if err != nil {
		return err
	}

	bucket := strings.TrimSpace(c.String("source-bucket"))
	if bucket == "" {
		return cli.Exit("--source-bucket is required", 1)
	}

	outDir := c.String("out")
	if outDir == "" {
		outDir = d.cfg.Staging.DownloadDir
	}
	stager, err := staging.New(outDir, d.cfg.Staging.UploadDir)
	if err != nil {
		return err
	}

	f := &fetcher{client: d.store, stager: stager}
	paths, err := f.download(c.Context, bucket, c.String("source-prefix"), c.Args().Slice())
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

// download fetches the given files under prefix, or every object under prefix when files is
// empty, and returns the local paths.
func (f *fetcher) download(ctx context.Context, bucket, prefix string, files []string) ([]string, error) {
	var keys []string
	if len(files) > 0 {
		for _, file := range files {
			keys = append(keys, resolveObjectKey(prefix, file))
		}
	} else {
		listPrefix := strings.TrimSpace(prefix)
		objects, err := f.client.ListObjects(ctx, bucket, listPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects for prefix %s: %w", listPrefix, err)
		}
		for _, obj := range objects {
			if !strings.HasSuffix(obj.Key, "/") {
				keys = append(keys, obj.Key)
			}
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no objects found for prefix %s", prefix)
	}

	localPaths := make([]string, 0, len(keys))
	for _, key := range keys {
		data, err := f.client.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		localPath, err := f.stager.WriteInput(objectRelativePath(prefix, key), data)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("key", key).Str("path", localPath).Msg("fetched object")
		localPaths = append(localPaths, localPath)
	}

	sort.Strings(localPaths)
	return localPaths, nil
}

// resolveObjectKey turns a file argument into a full key, accepting files that already carry
// the prefix.
func resolveObjectKey(prefix, file string) string {
	if file == "" {
		return strings.TrimSpace(prefix)
	}
	if prefix == "" {
		return strings.TrimPrefix(file, "/")
	}

	prefixTrimmed := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	fileTrimmed := strings.TrimPrefix(strings.TrimSpace(file), "/")

	if strings.HasPrefix(fileTrimmed, prefixTrimmed+"/") {
		return fileTrimmed
	}
	return fmt.Sprintf("%s/%s", prefixTrimmed, fileTrimmed)
}

func objectRelativePath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	prefixTrimmed := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	rel := strings.TrimPrefix(key, prefixTrimmed+"/")
	if rel == "" {
		return filepath.Base(key)
	}
	return rel
}

// Package staging manages the local download and upload directories used while a batch runs.
package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// EnsureDir creates dir and its parents if they do not exist. Calling it on an existing
// directory is a no-op.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("staging path %s exists and is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	log.Info().Str("dir", dir).Msg("creating directory path")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Stager lays out staged inputs and rendered outputs on the local filesystem.
type Stager struct {
	DownloadDir string
	UploadDir   string
}

// New creates both staging directories on demand.
func New(downloadDir, uploadDir string) (*Stager, error) {
	for _, dir := range []string{downloadDir, uploadDir} {
		if err := EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	return &Stager{DownloadDir: downloadDir, UploadDir: uploadDir}, nil
}

// InputPath is <download-dir>/<file>.
func (s *Stager) InputPath(file string) (string, error) {
	return within(s.DownloadDir, file)
}

// OutputPath is <upload-dir>/<name>.
func (s *Stager) OutputPath(name string) (string, error) {
	return within(s.UploadDir, name)
}

// WriteInput stores retrieved bytes at InputPath(file) and returns that path.
func (s *Stager) WriteInput(file string, data []byte) (string, error) {
	path, err := s.InputPath(file)
	if err != nil {
		return "", err
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed writing %s: %w", path, err)
	}
	return path, nil
}

// Create opens OutputPath(name) for writing, creating parent directories.
func (s *Stager) Create(name string) (*os.File, error) {
	path, err := s.OutputPath(name)
	if err != nil {
		return nil, err
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create local file %s: %w", path, err)
	}
	return f, nil
}

// Cleanup removes staged files, ignoring ones that are already gone.
func (s *Stager) Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("staging: cleanup failed")
		}
	}
}

// within joins rel under base. Cleaning rel as a rooted path drops any ".." that would
// climb out of base.
func within(base, rel string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	if cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("staging: empty file name %q", rel)
	}
	return filepath.Join(base, cleaned), nil
}

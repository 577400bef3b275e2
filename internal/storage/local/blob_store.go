// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

const (
	uriScheme       = "file://"
	defaultPageSize = 100
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// PageSize bounds one List call.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir  string
	pageSize int
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &BlobStore{
		baseDir:  filepath.Clean(cfg.BaseDir),
		pageSize: pageSize,
	}, nil
}

// Put writes data under key and returns a file:// URI.
func (s *BlobStore) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return uriScheme + fullPath, nil
}

// List walks the files under prefix in key order. The cursor is the last key
// of the previous page.
func (s *BlobStore) List(_ context.Context, prefix string, cursor string) (crawler.BlobPage, error) {
	root := s.baseDir
	if dir := path.Dir(prefix); dir != "." && dir != "/" {
		root = filepath.Join(s.baseDir, filepath.FromSlash(dir))
	}
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > cursor {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return crawler.BlobPage{}, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Strings(keys)
	page := crawler.BlobPage{}
	if len(keys) > s.pageSize {
		keys = keys[:s.pageSize]
		page.NextCursor = keys[len(keys)-1]
	}
	page.Items = make([]string, 0, len(keys))
	for _, key := range keys {
		page.Items = append(page.Items, uriScheme+filepath.Join(s.baseDir, filepath.FromSlash(key)))
	}
	return page, nil
}

// DeleteMany removes the given file:// URIs. Missing files are ignored.
func (s *BlobStore) DeleteMany(_ context.Context, urls []string) error {
	var errs []error
	for _, u := range urls {
		fullPath, ok := strings.CutPrefix(u, uriScheme)
		if !ok || !s.contains(fullPath) {
			errs = append(errs, fmt.Errorf("not a blob under %s: %q", s.baseDir, u))
			continue
		}
		if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", fullPath, err))
		}
	}
	return errors.Join(errs...)
}

func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if !s.contains(fullPath) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func (s *BlobStore) contains(fullPath string) bool {
	return strings.HasPrefix(filepath.Clean(fullPath), s.baseDir+string(filepath.Separator))
}

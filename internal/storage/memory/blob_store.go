// Package memory keeps rows and screenshot blobs in process memory for
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

const (
	uriScheme       = "memory://"
	defaultPageSize = 100
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	types    map[string]string
	pageSize int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return NewBlobStoreWithPageSize(defaultPageSize)
}

// NewBlobStoreWithPageSize sets how many keys one List call returns.
func NewBlobStoreWithPageSize(pageSize int) *BlobStore {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &BlobStore{
		data:     make(map[string][]byte),
		types:    make(map[string]string),
		pageSize: pageSize,
	}
}

// Put persists the content and returns a URI.
func (s *BlobStore) Put(_ context.Context, key string, contentType string, data []byte) (string, error) {
	if key == "" {
		return "", errors.New("blob key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.types[key] = contentType
	return uriScheme + key, nil
}

// Get returns a copy of the stored bytes.
func (s *BlobStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many blobs are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// List returns up to one page of URIs under prefix, ordered by key. The
// cursor is the last key of the previous page.
func (s *BlobStore) List(_ context.Context, prefix string, cursor string) (crawler.BlobPage, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if strings.HasPrefix(key, prefix) && key > cursor {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	page := crawler.BlobPage{}
	if len(keys) > s.pageSize {
		keys = keys[:s.pageSize]
		page.NextCursor = keys[len(keys)-1]
	}
	page.Items = make([]string, 0, len(keys))
	for _, key := range keys {
		page.Items = append(page.Items, uriScheme+key)
	}
	return page, nil
}

// DeleteMany removes the given URIs. Unknown keys are ignored.
func (s *BlobStore) DeleteMany(_ context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, u := range urls {
		key, ok := strings.CutPrefix(u, uriScheme)
		if !ok {
			errs = append(errs, fmt.Errorf("not a memory blob uri: %q", u))
			continue
		}
		delete(s.data, key)
		delete(s.types, key)
	}
	return errors.Join(errs...)
}

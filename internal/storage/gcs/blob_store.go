// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

const (
	defaultPageSize       = 500
	defaultDeleteParallel = 16
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket         string
	PageSize       int
	DeleteParallel int
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	pageSize int
	parallel int
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	parallel := cfg.DeleteParallel
	if parallel <= 0 {
		parallel = defaultDeleteParallel
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		pageSize: pageSize,
		parallel: parallel,
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) Put(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.uri(key), nil
}

// List returns one page of gs:// URIs under prefix. The cursor is the GCS
// page token.
func (s *BlobStore) List(ctx context.Context, prefix string, cursor string) (crawler.BlobPage, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	pager := iterator.NewPager(it, s.pageSize, cursor)
	var objects []*storage.ObjectAttrs
	next, err := pager.NextPage(&objects)
	if err != nil {
		return crawler.BlobPage{}, fmt.Errorf("list objects: %w", err)
	}
	page := crawler.BlobPage{
		Items:      make([]string, 0, len(objects)),
		NextCursor: next,
	}
	for _, obj := range objects {
		page.Items = append(page.Items, s.uri(obj.Name))
	}
	return page, nil
}

// DeleteMany removes the given gs:// URIs concurrently. Objects that no
// longer exist are skipped; every other failure is joined into the result.
func (s *BlobStore) DeleteMany(ctx context.Context, urls []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, u := range urls {
		name, ok := s.objectName(u)
		if !ok {
			record(fmt.Errorf("not an object in bucket %s: %q", s.bucket, u))
			continue
		}
		g.Go(func() error {
			err := s.client.Bucket(s.bucket).Object(name).Delete(gctx)
			if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				record(fmt.Errorf("delete %s: %w", name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *BlobStore) uri(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, name)
}

func (s *BlobStore) objectName(uri string) (string, bool) {
	name, ok := strings.CutPrefix(uri, "gs://"+s.bucket+"/")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

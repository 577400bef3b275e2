package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.Put(context.Background(), "screenshots/job/page.png", "image/png", payload)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if uri != "memory://screenshots/job/page.png" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Get("screenshots/job/page.png")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreListPaginatesByPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStoreWithPageSize(2)
	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("shots/job-a/%d.png", i), "image/png", []byte{1})
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, "shots/job-b/0.png", "image/png", []byte{1})
	require.NoError(t, err)

	var all []string
	cursor := ""
	pages := 0
	for {
		page, err := store.List(ctx, "shots/job-a/", cursor)
		require.NoError(t, err)
		all = append(all, page.Items...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, 3, pages)
	require.Len(t, all, 5)
	require.Equal(t, "memory://shots/job-a/0.png", all[0])
	require.Equal(t, "memory://shots/job-a/4.png", all[4])
}

func TestBlobStoreDeleteMany(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	uri, err := store.Put(ctx, "a.png", "image/png", []byte{1})
	require.NoError(t, err)
	_, err = store.Put(ctx, "b.png", "image/png", []byte{1})
	require.NoError(t, err)

	require.NoError(t, store.DeleteMany(ctx, []string{uri, "memory://missing.png"}))
	require.Equal(t, 1, store.Len())

	err = store.DeleteMany(ctx, []string{"gs://bucket/b.png"})
	require.Error(t, err)
	require.Equal(t, 1, store.Len())
}

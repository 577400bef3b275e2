package frontier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushDedupesEquivalentSpellings(t *testing.T) {
	t.Parallel()

	f := New(3, 10)
	require.True(t, f.Push("https://EX.com/a/", 0))
	require.False(t, f.Push("https://ex.com/a", 1))
	require.False(t, f.Push("https://ex.com/a#frag", 1))
	require.True(t, f.Push("https://ex.com/a?id=1", 1))
	require.Equal(t, 2, f.Discovered())

	item, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, Item{URL: "https://ex.com/a", Depth: 0}, item)
}

func TestPushRespectsDepthAndBudget(t *testing.T) {
	t.Parallel()

	f := New(1, 2)
	require.False(t, f.Push("https://ex.com/deep", 2))
	require.False(t, f.Seen("https://ex.com/deep"))
	require.True(t, f.Push("https://ex.com", 0))
	require.True(t, f.Push("https://ex.com/one", 1))
	require.True(t, f.Full())
	require.False(t, f.Push("https://ex.com/two", 1))
	require.Equal(t, 2, f.Discovered())
}

func TestPopIsFIFO(t *testing.T) {
	t.Parallel()

	f := New(5, 5)
	for i := 0; i < 3; i++ {
		require.True(t, f.Push(fmt.Sprintf("https://ex.com/%d", i), i))
	}
	for i := 0; i < 3; i++ {
		item, ok := f.Pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("https://ex.com/%d", i), item.URL)
	}
	_, ok := f.Pop()
	require.False(t, ok)
	require.Equal(t, 0, f.Len())
}

func TestMarkSeenBlocksLaterPush(t *testing.T) {
	t.Parallel()

	f := New(2, 5)
	require.True(t, f.MarkSeen("https://ex.com/admin"))
	require.False(t, f.MarkSeen("https://ex.com/admin/"))
	require.False(t, f.Push("https://ex.com/admin", 1))
	require.Equal(t, 0, f.Discovered())
}

func TestConcurrentPushAdmitsOnce(t *testing.T) {
	t.Parallel()

	f := New(1, 100)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if f.Push(fmt.Sprintf("https://ex.com/p%d/", i), 1) {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, admitted)
	require.Equal(t, 50, f.Len())
}

// Package frontier holds the per-job set of discovered URLs and the queue of
// URLs still waiting to be fetched.
package frontier

import (
	"sync"

	"github.com/JakeFAU/site-audit-crawler/internal/urlnorm"
)

// Item is a URL waiting to be fetched.
type Item struct {
	URL   string
	Depth int
}

// Frontier is a FIFO queue guarded by an exact visited set. Push checks and
// marks the visited set in the same critical section as the enqueue, so a
// normalized URL is admitted at most once no matter how many goroutines
// offer it.
type Frontier struct {
	mu         sync.Mutex
	queue      []Item
	seen       map[string]struct{}
	maxDepth   int
	maxPages   int
	discovered int
}

// New returns a frontier that admits at most maxPages URLs no deeper than maxDepth.
func New(maxDepth, maxPages int) *Frontier {
	return &Frontier{
		seen:     make(map[string]struct{}),
		maxDepth: maxDepth,
		maxPages: maxPages,
	}
}

// Push admits rawURL at depth when it is new, within maxDepth and the page
// budget is not spent. It reports whether the URL was admitted.
func (f *Frontier) Push(rawURL string, depth int) bool {
	key := urlnorm.Normalize(rawURL)
	if key == "" || depth < 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if depth > f.maxDepth || f.discovered >= f.maxPages {
		return false
	}
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	f.queue = append(f.queue, Item{URL: key, Depth: depth})
	f.discovered++
	return true
}

// MarkSeen records rawURL as visited without queueing it or spending budget.
// It reports false when the URL had already been seen.
func (f *Frontier) MarkSeen(rawURL string) bool {
	key := urlnorm.Normalize(rawURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

// Seen reports whether rawURL has been admitted or marked.
func (f *Frontier) Seen(rawURL string) bool {
	key := urlnorm.Normalize(rawURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

// Pop removes the oldest queued item.
func (f *Frontier) Pop() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Item{}, false
	}
	item := f.queue[0]
	f.queue[0] = Item{}
	f.queue = f.queue[1:]
	return item, true
}

// Len is the number of queued items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Discovered is the number of URLs admitted so far.
func (f *Frontier) Discovered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovered
}

// Full reports whether the page budget is spent.
func (f *Frontier) Full() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovered >= f.maxPages
}

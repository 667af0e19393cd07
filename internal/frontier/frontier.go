package frontier

import (
	"sort"
	"sync"

	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
)

/*
Frontier Responsibilities
- Maintain BFS ordering
- Deduplicate URLs
- Track crawl depth
- Prevent infinite traversal
- Knows nothing about:
	- fetching
	- extraction
	- markdown
	- storage

It is a data structure + policy module, not a pipeline executor.
*/

// CrawlFrontier holds pending crawl tokens grouped by depth, dequeuing
// strictly in BFS order: every token at depth N is exhausted before any
// token at depth N+1 becomes eligible.
type CrawlFrontier struct {
	mu            sync.Mutex
	cfg           config.Config
	queuesByDepth map[int]*FIFOQueue[CrawlToken]
	visited       Set[string]
}

func NewCrawlFrontier() *CrawlFrontier {
	return &CrawlFrontier{
		queuesByDepth: make(map[int]*FIFOQueue[CrawlToken]),
		visited:       NewSet[string](),
	}
}

func (f *CrawlFrontier) Init(cfg config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

// Submit admits a candidate into the frontier unless it violates depth or
// page-count limits, or has already been visited. Admission is the only
// place dedup and limits are enforced; Dequeue never re-evaluates them.
// It reports whether the candidate was actually queued, so a caller that
// discovers a link can decide whether a forward edge needs recording.
func (f *CrawlFrontier) Submit(candidate CrawlAdmissionCandidate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	depth := candidate.DiscoveryMetadata().Depth()
	if maxDepth := f.cfg.MaxDepth(); maxDepth > 0 && depth > maxDepth {
		return false
	}

	u := candidate.TargetURL()
	key := normalize.Normalize(u.String())
	if f.visited.Contains(key) {
		return false
	}
	if maxPages := f.cfg.MaxPages(); maxPages > 0 && f.visited.Size() >= maxPages {
		return false
	}

	f.visited.Add(key)

	queue, ok := f.queuesByDepth[depth]
	if !ok {
		queue = NewFIFOQueue[CrawlToken]()
		f.queuesByDepth[depth] = queue
	}
	queue.Enqueue(NewCrawlToken(candidate.TargetURL(), depth))
	return true
}

// Dequeue returns the next token in strict BFS order, or false if the
// frontier holds nothing.
func (f *CrawlFrontier) Dequeue() (CrawlToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	depth, ok := f.minNonEmptyDepthLocked()
	if !ok {
		return CrawlToken{}, false
	}
	return f.queuesByDepth[depth].Dequeue()
}

// NextBatch removes up to n tokens in BFS order: each token comes from the
// lowest non-empty depth, so a batch continues into the next depth once the
// current one runs out.
func (f *CrawlFrontier) NextBatch(n int) []CrawlToken {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := make([]CrawlToken, 0, n)
	for len(batch) < n {
		depth, ok := f.minNonEmptyDepthLocked()
		if !ok {
			break
		}
		token, ok := f.queuesByDepth[depth].Dequeue()
		if !ok {
			break
		}
		batch = append(batch, token)
	}
	return batch
}

// IsEmpty reports whether the frontier holds no pending tokens at any depth.
func (f *CrawlFrontier) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.minNonEmptyDepthLocked()
	return !ok
}

func (f *CrawlFrontier) minNonEmptyDepthLocked() (int, bool) {
	depths := make([]int, 0, len(f.queuesByDepth))
	for d, q := range f.queuesByDepth {
		if q.Size() > 0 {
			depths = append(depths, d)
		}
	}
	if len(depths) == 0 {
		return 0, false
	}
	sort.Ints(depths)
	return depths[0], true
}

// IsDepthExhausted reports whether a depth has no pending tokens. Negative
// depths are always exhausted since they can never be populated.
func (f *CrawlFrontier) IsDepthExhausted(depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if depth < 0 {
		return true
	}
	queue, ok := f.queuesByDepth[depth]
	return !ok || queue.Size() == 0
}

// CurrentMinDepth returns the smallest depth with a pending token, or -1
// if the frontier is empty.
func (f *CrawlFrontier) CurrentMinDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	depth, ok := f.minNonEmptyDepthLocked()
	if !ok {
		return -1
	}
	return depth
}

// VisitedCount returns the number of unique URLs ever admitted, regardless
// of whether they have since been dequeued.
func (f *CrawlFrontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.visited.Size()
}

package scheduler_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/robots"
	"github.com/rohmanhakim/docs-crawler/internal/robots/cache"
	"github.com/rohmanhakim/docs-crawler/internal/scheduler"
	"github.com/rohmanhakim/docs-crawler/internal/storage"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
	"github.com/rohmanhakim/docs-crawler/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned CrawlResults keyed by URL so a test can script a
// small link graph without any real network traffic.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetcher.CrawlResult
	calls   []string
}

func (f *fakeFetcher) Init(*http.Client, string) {}

func (f *fakeFetcher) Fetch(_ context.Context, _ int, target url.URL, _ retry.RetryParam) fetcher.CrawlResult {
	f.mu.Lock()
	f.calls = append(f.calls, target.String())
	f.mu.Unlock()

	if result, ok := f.results[target.String()]; ok {
		return result
	}
	return fetcher.CrawlResult{StatusCode: 404}
}

func (f *fakeFetcher) Ping(context.Context, url.URL) fetcher.PingResult { return fetcher.PingResult{} }
func (f *fakeFetcher) FetchFavicon(context.Context, url.URL) *string    { return nil }

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// allowAllRobot never disallows anything, matching a crawl with robots.txt
// compliance turned off in spirit without touching cfg.RespectRobotsTxt.
type allowAllRobot struct{}

func (allowAllRobot) Init(string)                    {}
func (allowAllRobot) InitWithCache(string, cache.Cache) {}
func (allowAllRobot) Decide(target url.URL) (robots.Decision, *robots.RobotsError) {
	return robots.Decision{Url: target, Allowed: true, Reason: robots.AllowedByRobots}, nil
}

// fakeRateLimiter never introduces delay so tests run instantly.
type fakeRateLimiter struct{}

func (fakeRateLimiter) SetBaseDelay(time.Duration)          {}
func (fakeRateLimiter) SetJitter(time.Duration)             {}
func (fakeRateLimiter) SetRandomSeed(int64)                 {}
func (fakeRateLimiter) SetCrawlDelay(string, time.Duration) {}
func (fakeRateLimiter) SetBackoffParam(timeutil.BackoffParam) {}
func (fakeRateLimiter) Backoff(string)                      {}
func (fakeRateLimiter) ResetBackoff(string)                 {}
func (fakeRateLimiter) MarkLastFetchAsNow(string)           {}
func (fakeRateLimiter) SetRNG(interface{})                  {}
func (fakeRateLimiter) ResolveDelay(string) time.Duration   { return 0 }
func (fakeRateLimiter) Wait(context.Context, string) error  { return nil }
func (fakeRateLimiter) CanRequest(string) bool              { return true }
func (fakeRateLimiter) GetWaitTime(string) time.Duration    { return 0 }

// instantSleeper never actually blocks.
type instantSleeper struct{}

func (instantSleeper) Sleep(time.Duration) {}

func mustURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return *u
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", metadata.NoopSink{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOrchestrator_Run_CrawlsSeedAndDiscoveredLinks(t *testing.T) {
	seed := mustURL(t, "https://example.com/")
	child := mustURL(t, "https://example.com/child")

	fakeF := &fakeFetcher{
		results: map[string]fetcher.CrawlResult{
			seed.String(): {
				StatusCode: 200,
				Title:      strPtr("Home"),
				Links:      []string{child.String()},
			},
			child.String(): {
				StatusCode: 200,
				Title:      strPtr("Child"),
			},
		},
	}

	cfg, err := config.WithDefault([]url.URL{seed}).WithMaxDepth(2).WithConcurrency(2).Build()
	require.NoError(t, err)

	store := newTestStore(t)

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		store,
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		allowAllRobot{},
		instantSleeper{},
		scheduler.Hooks{},
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.NodesCrawled)
	assert.Equal(t, 1, stats.EdgesFound)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 2, fakeF.callCount())

	node, err := store.GetNodeByURL(context.Background(), child.String())
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "Child", *node.Title)
}

func TestOrchestrator_Run_StopsAtMaxPages(t *testing.T) {
	seed := mustURL(t, "https://example.com/")
	a := mustURL(t, "https://example.com/a")
	b := mustURL(t, "https://example.com/b")

	fakeF := &fakeFetcher{
		results: map[string]fetcher.CrawlResult{
			seed.String(): {StatusCode: 200, Links: []string{a.String(), b.String()}},
			a.String():    {StatusCode: 200},
			b.String():    {StatusCode: 200},
		},
	}

	cfg, err := config.WithDefault([]url.URL{seed}).WithMaxDepth(2).WithMaxPages(1).WithConcurrency(2).Build()
	require.NoError(t, err)

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		newTestStore(t),
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		allowAllRobot{},
		instantSleeper{},
		scheduler.Hooks{},
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodesCrawled)
}

func TestOrchestrator_Run_TransportFailureIsRecordedAsError(t *testing.T) {
	seed := mustURL(t, "https://example.com/")

	fakeF := &fakeFetcher{
		results: map[string]fetcher.CrawlResult{
			seed.String(): {StatusCode: 0, Error: strPtr("connection refused")},
		},
	}

	cfg, err := config.WithDefault([]url.URL{seed}).Build()
	require.NoError(t, err)

	var gotErrors []string
	hooks := scheduler.Hooks{
		OnError: func(target string, err error) {
			gotErrors = append(gotErrors, target)
		},
	}

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		newTestStore(t),
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		allowAllRobot{},
		instantSleeper{},
		hooks,
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NodesCrawled)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, []string{seed.String()}, gotErrors)
}

func TestOrchestrator_Run_RobotsDisallowedSeedNeverFetched(t *testing.T) {
	seed := mustURL(t, "https://example.com/")
	fakeF := &fakeFetcher{results: map[string]fetcher.CrawlResult{}}

	cfg, err := config.WithDefault([]url.URL{seed}).Build()
	require.NoError(t, err)

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		newTestStore(t),
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		disallowAllRobot{},
		instantSleeper{},
		scheduler.Hooks{},
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NodesCrawled)
	assert.Equal(t, 0, fakeF.callCount())
}

type disallowAllRobot struct{}

func (disallowAllRobot) Init(string)                      {}
func (disallowAllRobot) InitWithCache(string, cache.Cache) {}
func (disallowAllRobot) Decide(target url.URL) (robots.Decision, *robots.RobotsError) {
	return robots.Decision{Url: target, Allowed: false, Reason: robots.DisallowedByRobots}, nil
}

// failingRobot always fails to fetch robots.txt, exercising the fail-open
// path: a robots fetch error must never abort the crawl.
type failingRobot struct{}

func (failingRobot) Init(string)                      {}
func (failingRobot) InitWithCache(string, cache.Cache) {}
func (failingRobot) Decide(target url.URL) (robots.Decision, *robots.RobotsError) {
	return robots.Decision{}, &robots.RobotsError{Message: "robots.txt fetch failed", Cause: robots.ErrCauseHttpServerError}
}

func strPtr(s string) *string { return &s }

func TestOrchestrator_Run_RobotsFetchFailureFailsOpenOnSeed(t *testing.T) {
	seed := mustURL(t, "https://example.com/")

	fakeF := &fakeFetcher{
		results: map[string]fetcher.CrawlResult{
			seed.String(): {StatusCode: 200},
		},
	}

	cfg, err := config.WithDefault([]url.URL{seed}).Build()
	require.NoError(t, err)

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		newTestStore(t),
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		failingRobot{},
		instantSleeper{},
		scheduler.Hooks{},
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodesCrawled)
	assert.Equal(t, 1, fakeF.callCount())
}

func TestOrchestrator_Run_RobotsFetchFailureFailsOpenOnDiscoveredLink(t *testing.T) {
	seed := mustURL(t, "https://example.com/")
	child := mustURL(t, "https://example.com/child")

	fakeF := &fakeFetcher{
		results: map[string]fetcher.CrawlResult{
			seed.String(): {StatusCode: 200, Links: []string{child.String()}},
			child.String(): {StatusCode: 200},
		},
	}

	cfg, err := config.WithDefault([]url.URL{seed}).WithMaxDepth(2).Build()
	require.NoError(t, err)

	orch := scheduler.NewOrchestratorWithDeps(
		cfg,
		newTestStore(t),
		metadata.NoopSink{},
		fakeRateLimiter{},
		fakeF,
		failingRobot{},
		instantSleeper{},
		scheduler.Hooks{},
	)

	stats, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodesCrawled)
	assert.Equal(t, 2, fakeF.callCount())
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/frontier"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
	"github.com/rohmanhakim/docs-crawler/internal/robots"
	"github.com/rohmanhakim/docs-crawler/internal/storage"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
	"github.com/rohmanhakim/docs-crawler/pkg/limiter"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
	"github.com/rohmanhakim/docs-crawler/pkg/timeutil"
)

/*
Orchestrator is the sole control-plane authority of the crawl.

Determinism and admission guarantees:
- Orchestrator is the ONLY component allowed to decide whether a URL
  may enter the crawl frontier.
- All semantic admission checks (robots.txt, scope, depth, limits)
  MUST be completed before submitting a URL to the frontier.
- No other component may enqueue, reject, or reorder URLs.
- The frontier should only accept already-admitted URLs.
- Pipeline stages may detect and classify failure, but must never decide
  retry, continuation, or abortion.

Orchestrator Responsibilities:
- Coordinate crawl lifecycle in BFS batches of bounded parallelism
- Enforce global limits (nodes, depth)
- Resolve forward-reference edges once their target node exists
- Aggregate crawl statistics
- The sole authority on retry / continue / abort
*/

// idleBackoff is the sleep applied when the frontier has no ready work but
// a batch is still in flight that may enqueue more.
const idleBackoff = 100 * time.Millisecond

// ScreenshotHook captures a thumbnail for target. It is never implemented
// in this module: the host supplies one (browser automation, a headless
// renderer) when cfg.TakeScreenshots() is enabled. A nil hook or any
// returned error is treated the same way - the node is persisted with no
// thumbnail.
type ScreenshotHook func(ctx context.Context, target url.URL) ([]byte, error)

// Hooks are optional event callbacks a host may supply to observe a crawl
// in progress. A nil field is simply never called.
type Hooks struct {
	OnStart    func()
	OnNode     func(node storage.Node)
	OnError    func(targetURL string, err error)
	OnProgress func(stats storage.Stats)
	OnComplete func(stats storage.Stats)
}

// Orchestrator wires the frontier, fetcher, robots policy, rate limiter and
// storage into a single BFS crawl loop.
type Orchestrator struct {
	cfg          config.Config
	metadataSink metadata.MetadataSink
	robot        robots.Robot
	frontier     *frontier.CrawlFrontier
	htmlFetcher  fetcher.Fetcher
	store        storage.Store
	rateLimiter  limiter.RateLimiter
	sleeper      timeutil.Sleeper
	hooks        Hooks

	// screenshotHook is the optional side-effect hook for thumbnail capture.
	// It is an external collaborator: Orchestrator only decides whether to
	// call it (per cfg.TakeScreenshots()) and how to treat its failure.
	screenshotHook ScreenshotHook

	statsMu sync.Mutex
	stats   storage.Stats

	posMu sync.Mutex
	pos   *rand.Rand

	runningMu sync.Mutex
	running   bool
}

// NewOrchestrator wires together the production dependencies for cfg,
// writing crawl artifacts to store.
func NewOrchestrator(cfg config.Config, store storage.Store, metadataSink metadata.MetadataSink) *Orchestrator {
	cachedRobot := robots.NewCachedRobot(metadataSink)
	htmlFetcher := fetcher.NewHtmlFetcher(metadataSink)

	return NewOrchestratorWithDeps(
		cfg,
		store,
		metadataSink,
		limiter.NewConcurrentRateLimiter(),
		&htmlFetcher,
		&cachedRobot,
		timeutil.NewRealSleeper(),
		Hooks{},
	)
}

// NewOrchestratorWithDeps creates an Orchestrator with injected
// dependencies, primarily for testing.
func NewOrchestratorWithDeps(
	cfg config.Config,
	store storage.Store,
	metadataSink metadata.MetadataSink,
	rateLimiter limiter.RateLimiter,
	htmlFetcher fetcher.Fetcher,
	robot robots.Robot,
	sleeper timeutil.Sleeper,
	hooks Hooks,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		metadataSink: metadataSink,
		robot:        robot,
		frontier:     frontier.NewCrawlFrontier(),
		htmlFetcher:  htmlFetcher,
		store:        store,
		rateLimiter:  rateLimiter,
		sleeper:      sleeper,
		hooks:        hooks,
		pos:          rand.New(rand.NewSource(cfg.RandomSeed())),
	}
}

// SetScreenshotHook registers the thumbnail-capture side effect used when
// cfg.TakeScreenshots() is true. Passing nil disables thumbnail capture.
func (o *Orchestrator) SetScreenshotHook(hook ScreenshotHook) {
	o.screenshotHook = hook
}

// Stop requests that Run exit after the current in-flight batch completes.
// In-flight processUrl calls are never interrupted mid-request.
func (o *Orchestrator) Stop() {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	o.running = false
}

func (o *Orchestrator) isRunning() bool {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	return o.running
}

// Run executes crawl(seedUrl) against the orchestrator's first configured
// seed URL: reset stats, seed the frontier at depth 0, then loop batches
// of up to cfg.Concurrency() URLs until the frontier drains, the hard node
// cap is hit, or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) (storage.Stats, error) {
	if len(o.cfg.SeedURLs()) == 0 {
		return storage.Stats{}, fmt.Errorf("orchestrator: no seed URLs configured")
	}
	seed := o.cfg.SeedURLs()[0]

	o.statsMu.Lock()
	o.stats = storage.NewStats()
	o.statsMu.Unlock()

	o.runningMu.Lock()
	o.running = true
	o.runningMu.Unlock()

	o.robot.Init(o.cfg.UserAgent())
	o.htmlFetcher.Init(&http.Client{Timeout: o.cfg.Timeout()}, o.cfg.UserAgent())
	o.frontier.Init(o.cfg)
	o.rateLimiter.SetBaseDelay(o.cfg.BaseDelay())
	o.rateLimiter.SetJitter(o.cfg.Jitter())
	o.rateLimiter.SetRandomSeed(o.cfg.RandomSeed())

	if err := o.store.EnsureSchema(ctx); err != nil {
		return storage.Stats{}, err
	}

	if o.decideRobots(seed) {
		o.frontier.Submit(frontier.NewCrawlAdmissionCandidate(seed, frontier.SourceSeed, frontier.NewDiscoveryMetadata(0, nil)))
	}

	if o.hooks.OnStart != nil {
		o.hooks.OnStart()
	}

	for o.isRunning() && !o.frontier.IsEmpty() {
		if o.statsSnapshot().NodesCrawled >= o.cfg.MaxPages() {
			break
		}

		batch := o.frontier.NextBatch(o.cfg.Concurrency())
		if len(batch) == 0 {
			o.sleeper.Sleep(idleBackoff)
			continue
		}

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, token := range batch {
			token := token
			go func() {
				defer wg.Done()
				o.processURL(ctx, token)
			}()
		}
		wg.Wait()

		if o.hooks.OnProgress != nil {
			o.hooks.OnProgress(o.statsSnapshot())
		}
	}

	finalStats := o.statsSnapshot()
	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(finalStats)
	}
	return finalStats, nil
}

// processURL implements processUrl(url, depth): rate-limit, fetch, persist
// the node, back-fill any prior forward references, then admit every
// extracted link.
func (o *Orchestrator) processURL(ctx context.Context, token frontier.CrawlToken) {
	target := token.URL()
	host := target.Host

	delay := o.rateLimiter.ResolveDelay(host)
	o.sleeper.Sleep(delay)

	result := o.htmlFetcher.Fetch(ctx, token.Depth(), target, RetryParam(o.cfg))

	if result.Error != nil && result.StatusCode == 0 {
		o.recordError(target, errors.New(*result.Error))
		o.incrementErrors()
		return
	}

	normalizedURL := normalize.Normalize(target.String())
	now := time.Now()
	node := storage.Node{
		URL:           target.String(),
		NormalizedURL: normalizedURL,
		Domain:        host,
		Title:         result.Title,
		Description:   result.Description,
		Favicon:       result.Favicon,
		PositionX:     o.randomPosition(),
		PositionY:     o.randomPosition(),
		PositionZ:     o.randomPosition(),
		StatusCode:    result.StatusCode,
		IsAlive:       result.StatusCode >= 200 && result.StatusCode < 400,
		Depth:         token.Depth(),
		CrawledAt:     now,
		LastVisited:   now,
		CreatedAt:     now,
	}

	if o.cfg.TakeScreenshots() && o.screenshotHook != nil {
		if thumbnail, shotErr := o.screenshotHook(ctx, target); shotErr == nil {
			node.Thumbnail = thumbnail
		}
	}

	nodeID, err := o.store.InsertNode(ctx, node)
	if err != nil {
		o.recordError(target, err)
		o.incrementErrors()
		return
	}

	o.statsMu.Lock()
	o.stats.NodesFound++
	o.stats.NodesCrawled++
	o.stats.Domains[host] = struct{}{}
	o.statsMu.Unlock()

	node.ID = nodeID
	if o.hooks.OnNode != nil {
		o.hooks.OnNode(node)
	}

	// Back-fill: resolve every edge that pointed at this URL before it had
	// a node id.
	if _, err := o.store.UpdateEdgeTargets(ctx, target.String(), nodeID); err != nil {
		o.recordError(target, err)
		o.incrementErrors()
	}

	if token.Depth() >= o.cfg.MaxDepth() {
		return
	}

	for _, rawLink := range result.Links {
		o.discoverLink(ctx, rawLink, target, nodeID, token.Depth()+1)
	}
}

// discoverLink handles a single extracted link per step 8 of the crawl
// algorithm: known targets get an edge pointed at their existing node id
// immediately (the back-fill would otherwise never fire for them); unknown
// targets are admitted into the frontier and recorded with a null target
// that UpdateEdgeTargets resolves once they are themselves crawled.
func (o *Orchestrator) discoverLink(ctx context.Context, rawLink string, source url.URL, sourceNodeID string, nextDepth int) {
	linkURL, parseErr := url.Parse(rawLink)
	if parseErr != nil {
		return
	}

	if o.cfg.StayOnDomain() && linkURL.Host != source.Host {
		return
	}

	normalizedLink := normalize.Normalize(linkURL.String())

	existing, err := o.store.GetNodeByNormalizedURL(ctx, normalizedLink)
	if err != nil {
		o.recordError(*linkURL, err)
		o.incrementErrors()
		return
	}
	if existing != nil {
		if _, err := o.store.InsertEdge(ctx, sourceNodeID, linkURL.String(), &existing.ID); err != nil {
			o.recordError(*linkURL, err)
			o.incrementErrors()
		} else {
			o.incrementEdgesFound()
		}
		return
	}

	if !o.decideRobots(*linkURL) {
		return
	}

	admitted := o.frontier.Submit(frontier.NewCrawlAdmissionCandidate(
		*linkURL,
		frontier.SourceCrawl,
		frontier.NewDiscoveryMetadata(nextDepth, nil),
	))
	if admitted {
		if _, err := o.store.InsertEdge(ctx, sourceNodeID, linkURL.String(), nil); err != nil {
			o.recordError(*linkURL, err)
			o.incrementErrors()
		} else {
			o.incrementEdgesFound()
		}
	}
}

// decideRobots performs the robots.txt check that must precede any
// frontier submission, reporting whether target may be crawled. It is the
// single admission choke point: no frontier.Submit call happens without a
// true result from here first. A robots.txt fetch failure fails open -
// the host is treated as allow-all and the failure is only ever recorded
// as an observational error, never as a reason to abort the crawl.
func (o *Orchestrator) decideRobots(target url.URL) bool {
	if !o.cfg.RespectRobotsTxt() {
		return true
	}

	decision, robotsErr := o.robot.Decide(target)
	if robotsErr != nil {
		if robotsErr.Cause == robots.ErrCauseHttpTooManyRequests || robotsErr.Cause == robots.ErrCauseHttpServerError {
			o.rateLimiter.Backoff(target.Host)
		}
		o.recordError(target, robotsErr)
		return true
	}

	o.rateLimiter.ResetBackoff(target.Host)
	if decision.CrawlDelay > 0 {
		o.rateLimiter.SetCrawlDelay(target.Host, decision.CrawlDelay)
	}

	return decision.Allowed
}

func (o *Orchestrator) randomPosition() float64 {
	o.posMu.Lock()
	defer o.posMu.Unlock()
	return o.pos.Float64()*20 - 10
}

func (o *Orchestrator) statsSnapshot() storage.Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	domains := make(map[string]struct{}, len(o.stats.Domains))
	for d := range o.stats.Domains {
		domains[d] = struct{}{}
	}
	return storage.Stats{
		NodesFound:   o.stats.NodesFound,
		NodesCrawled: o.stats.NodesCrawled,
		EdgesFound:   o.stats.EdgesFound,
		Errors:       o.stats.Errors,
		Domains:      domains,
	}
}

func (o *Orchestrator) incrementErrors() {
	o.statsMu.Lock()
	o.stats.Errors++
	o.statsMu.Unlock()
}

func (o *Orchestrator) incrementEdgesFound() {
	o.statsMu.Lock()
	o.stats.EdgesFound++
	o.statsMu.Unlock()
}

func (o *Orchestrator) recordError(target url.URL, err error) {
	o.metadataSink.RecordError(
		time.Now(),
		"scheduler",
		"processURL",
		metadata.CauseNetworkFailure,
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, target.String()),
			metadata.NewAttr(metadata.AttrHost, target.Host),
		},
	)
	if o.hooks.OnError != nil {
		o.hooks.OnError(target.String(), err)
	}
}

// RetryParam derives a pkg/retry.RetryParam from cfg, mirroring the backoff
// and jitter settings already applied to the rate limiter.
func RetryParam(cfg config.Config) retry.RetryParam {
	return retry.NewRetryParam(
		cfg.BaseDelay(),
		cfg.Jitter(),
		cfg.RandomSeed(),
		cfg.MaxAttempt(),
		timeutil.NewBackoffParam(
			cfg.BackoffInitialDuration(),
			cfg.BackoffMultiplier(),
			cfg.BackoffMaxDuration(),
		),
	)
}

var _ failure.ClassifiedError = (*robots.RobotsError)(nil)

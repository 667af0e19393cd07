package robots

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/robots/cache"
)

/*
Responsibilities

- Fetch robots.txt per host
- Cache rules for crawl duration
- Enforce allow/disallow rules before enqueue

Robots checks occur before a URL enters the frontier.
*/

// Robot is the scheduler-facing port for robots.txt policy decisions.
type Robot interface {
	Init(userAgent string)
	InitWithCache(userAgent string, c cache.Cache)
	Decide(target url.URL) (Decision, *RobotsError)
}

// CachedRobot is the production Robot: it fetches robots.txt through a
// RobotsFetcher (which itself caches the raw document for the crawl's
// lifetime) and evaluates path rules per Decide call.
type CachedRobot struct {
	sink      metadata.MetadataSink
	fetcher   *RobotsFetcher
	userAgent string
}

// NewCachedRobot returns a CachedRobot that has not yet been initialized
// with a user agent. Callers must call Init or InitWithCache before Decide.
func NewCachedRobot(sink metadata.MetadataSink) CachedRobot {
	return CachedRobot{sink: sink}
}

// Init configures the robot with an in-memory cache.
func (r *CachedRobot) Init(userAgent string) {
	r.InitWithCache(userAgent, cache.NewMemoryCache())
}

// InitWithCache configures the robot with a caller-provided cache
// implementation, useful for sharing a cache across robots or for tests.
func (r *CachedRobot) InitWithCache(userAgent string, c cache.Cache) {
	r.userAgent = userAgent
	r.fetcher = NewRobotsFetcher(r.sink, userAgent, c)
}

// Decide fetches (or reuses the cached) robots.txt for target's host and
// reports whether target may be crawled.
func (r *CachedRobot) Decide(target url.URL) (Decision, *RobotsError) {
	if r.fetcher == nil {
		r.Init(r.userAgent)
	}

	result, fetchErr := r.fetcher.Fetch(context.Background(), target.Scheme, target.Host)
	if fetchErr != nil {
		r.sink.RecordError(
			time.Now(),
			"robots",
			"Decide",
			mapRobotsErrorToMetadataCause(fetchErr),
			fetchErr.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, target.String()),
				metadata.NewAttr(metadata.AttrHost, target.Host),
			},
		)
		return Decision{}, fetchErr
	}

	rs := MapResponseToRuleSet(result.Response, r.userAgent, result.FetchedAt)
	return evaluate(rs, target), nil
}

// evaluate applies rs's allow/disallow rules to target and produces a
// Decision. The longest matching pattern wins; ties favor Allow, matching
// the de-facto robots.txt convention used by major crawlers.
func evaluate(rs ruleSet, target url.URL) Decision {
	path := target.Path
	if path == "" {
		path = "/"
	}

	crawlDelay := time.Duration(0)
	if rs.CrawlDelay() != nil {
		crawlDelay = *rs.CrawlDelay()
	}

	if !rs.hasGroups {
		return Decision{Url: target, Allowed: true, Reason: EmptyRuleSet, CrawlDelay: crawlDelay}
	}
	if !rs.matchedGroup {
		return Decision{Url: target, Allowed: true, Reason: UserAgentNotMatched, CrawlDelay: crawlDelay}
	}

	allowMatched, allowSpecificity := bestMatch(rs.AllowRules(), path)
	disallowMatched, disallowSpecificity := bestMatch(rs.DisallowRules(), path)

	switch {
	case !allowMatched && !disallowMatched:
		return Decision{Url: target, Allowed: true, Reason: NoMatchingRules, CrawlDelay: crawlDelay}
	case allowMatched && !disallowMatched:
		return Decision{Url: target, Allowed: true, Reason: AllowedByRobots, CrawlDelay: crawlDelay}
	case !allowMatched && disallowMatched:
		return Decision{Url: target, Allowed: false, Reason: DisallowedByRobots, CrawlDelay: crawlDelay}
	default:
		if allowSpecificity >= disallowSpecificity {
			return Decision{Url: target, Allowed: true, Reason: AllowedByRobots, CrawlDelay: crawlDelay}
		}
		return Decision{Url: target, Allowed: false, Reason: DisallowedByRobots, CrawlDelay: crawlDelay}
	}
}

// bestMatch reports whether any rule matches path and, if so, the
// specificity (pattern length) of the most specific match.
func bestMatch(rules []pathRule, path string) (matched bool, specificity int) {
	for _, rule := range rules {
		if patternRegexp(rule.prefix).MatchString(path) {
			if !matched || len(rule.prefix) > specificity {
				matched = true
				specificity = len(rule.prefix)
			}
		}
	}
	return matched, specificity
}

// patternRegexp compiles a robots.txt path pattern into a regular
// expression. "*" matches any run of characters; a trailing "$" anchors
// the match to the end of the path. Everything else is matched literally.
func patternRegexp(pattern string) *regexp.Regexp {
	anchored := strings.HasSuffix(pattern, "$")
	body := pattern
	if anchored {
		body = strings.TrimSuffix(body, "$")
	}

	segments := strings.Split(body, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}

	expr := "^" + strings.Join(segments, ".*")
	if anchored {
		expr += "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return regexp.MustCompile(`^$`)
	}
	return re
}

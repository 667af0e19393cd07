package metadata

import (
	"time"
)

type FetchEvent struct {
	fetchUrl    string
	httpStatus  int
	duration    time.Duration
	contentType string
	retryCount  int
	crawlDepth  int
}

/*
crawlStats
  - Represents a terminal, derived summary of a completed crawl
  - Contains only aggregate counts and durations
  - Is computed by the scheduler after crawl termination
  - Is recorded exactly once
  - Must not influence scheduling, retries, or crawl termination
  - Must be constructed without reading metadata
*/
type crawlStats struct {
	totalPages  int
	totalErrors int
	totalAssets int
	durationMs  int64
}

type ArtifactRecord struct {
	kind       ArtifactKind
	paths      string
	attrs      []Attribute
	observedAt time.Time
}

/*
	ErrorCause is a closed, canonical classification used exclusively for
	observability (logging, metrics, reporting).

	Rules:
	 - ErrorCause is for observability only.
	 - It must never be used to derive retry, continuation, or abort decisions.
	 - Any use of metadata.ErrorCause outside logging, metrics, or reporting is a design violation.
	 - ErrorCause MUST NOT influence control flow.
	 - ErrorCause MUST NOT be used for retry, continuation, or abort decisions.
	 - ErrorCause values MUST have stable, package-agnostic semantics.
	 - Pipeline packages MAY map their local errors to ErrorCause,
	   but MUST NOT invent new meanings.
	Non-goals:
	 - ErrorCause does not encode severity.
	 - ErrorCause does not imply retryability.
	 - ErrorCause does not imply crawl termination.
	 - ErrorCause does not imply correctness of downstream behavior.

If a failure does not clearly match a defined cause, CauseUnknown MUST be used.
*/
type ErrorCause int

/*
Canonical ErrorCause Table

# CauseUnknown

Meaning:
  - The failure does not map cleanly to any known category.
  - Used as a safe fallback.

Examples:
  - Unexpected internal errors
  - Unclassified third-party library failures

# CauseNetworkFailure

Meaning:
  - Failure caused by network transport or remote availability.

Examples:
  - TCP timeouts
  - DNS resolution failures
  - Connection resets
  - robots.txt fetch timeout

# CausePolicyDisallow

Meaning:
  - Crawling was disallowed by an explicit policy or rule.

Examples:
  - robots.txt disallow
  - HTTP 403 / 401 interpreted as access denial
  - rate-limit enforcement

# CauseContentInvalid

Meaning:
  - Content was fetched but could not be processed meaningfully.

Examples:
  - Non-HTML responses
  - Empty or unextractable document bodies
  - Broken DOM preventing extraction

# CauseStorageFailure

Meaning:
  - Failure while persisting crawl artifacts.

Examples:
  - Disk full
  - Write permission errors
  - Filesystem I/O failures

# CauseInvariantViolation

Meaning:
  - A system-level invariant was violated.

Examples:
  - Multiple H1s in a document
  - Impossible crawl depth
  - Internal consistency checks failing
*/
const (
	CauseUnknown = iota
	CauseNetworkFailure
	CausePolicyDisallow
	CauseContentInvalid
	CauseStorageFailure
	CauseInvariantViolation
	CauseRetryFailure
)

// ArtifactKind classifies a side-effect written during a crawl, for
// observability purposes only.
type ArtifactKind int

const (
	ArtifactUnknown ArtifactKind = iota
	ArtifactThumbnail
	ArtifactFavicon
	ArtifactGraphNode
)

type ErrorRecord struct {
	packageName string
	action      string
	cause       ErrorCause
	errorString string
	observedAt  time.Time
	attrs       []Attribute
}

type Attribute struct {
	Key   AttributeKey
	Value string
}

func NewAttr(key AttributeKey, val string) Attribute {
	return Attribute{
		Key:   key,
		Value: val,
	}
}

type AttributeKey string

const (
	AttrTime       AttributeKey = "time"
	AttrURL        AttributeKey = "url"
	AttrHost       AttributeKey = "host"
	AttrPath       AttributeKey = "path"
	AttrDepth      AttributeKey = "depth"
	AttrField      AttributeKey = "field"
	AttrHTTPStatus AttributeKey = "http_status"
	AttrAssetURL   AttributeKey = "asset_url"
	AttrWritePath  AttributeKey = "write_path"
	AttrMessage    AttributeKey = "message"
	AttrDomain     AttributeKey = "domain"
)

// FetchEvent accessors. FetchEvent is otherwise an opaque record handed to
// the sink; exposing getters keeps it consistent with the value-type idiom
// used across the rest of the module.

func NewFetchEvent(fetchUrl string, httpStatus int, duration time.Duration, contentType string, retryCount int, crawlDepth int) FetchEvent {
	return FetchEvent{
		fetchUrl:    fetchUrl,
		httpStatus:  httpStatus,
		duration:    duration,
		contentType: contentType,
		retryCount:  retryCount,
		crawlDepth:  crawlDepth,
	}
}

func (f FetchEvent) URL() string             { return f.fetchUrl }
func (f FetchEvent) HTTPStatus() int         { return f.httpStatus }
func (f FetchEvent) Duration() time.Duration { return f.duration }
func (f FetchEvent) ContentType() string     { return f.contentType }
func (f FetchEvent) RetryCount() int         { return f.retryCount }
func (f FetchEvent) CrawlDepth() int         { return f.crawlDepth }

func NewCrawlStats(totalPages, totalErrors, totalAssets int, durationMs int64) crawlStats {
	return crawlStats{
		totalPages:  totalPages,
		totalErrors: totalErrors,
		totalAssets: totalAssets,
		durationMs:  durationMs,
	}
}

func (c crawlStats) TotalPages() int    { return c.totalPages }
func (c crawlStats) TotalErrors() int   { return c.totalErrors }
func (c crawlStats) TotalAssets() int   { return c.totalAssets }
func (c crawlStats) DurationMs() int64  { return c.durationMs }

func NewErrorRecord(packageName, action string, cause ErrorCause, errorString string, observedAt time.Time, attrs []Attribute) ErrorRecord {
	return ErrorRecord{
		packageName: packageName,
		action:      action,
		cause:       cause,
		errorString: errorString,
		observedAt:  observedAt,
		attrs:       attrs,
	}
}

func (e ErrorRecord) PackageName() string  { return e.packageName }
func (e ErrorRecord) Action() string       { return e.action }
func (e ErrorRecord) Cause() ErrorCause    { return e.cause }
func (e ErrorRecord) ErrorString() string  { return e.errorString }
func (e ErrorRecord) ObservedAt() time.Time { return e.observedAt }
func (e ErrorRecord) Attrs() []Attribute   { return e.attrs }

func NewArtifactRecord(kind ArtifactKind, path string, attrs []Attribute, observedAt time.Time) ArtifactRecord {
	return ArtifactRecord{
		kind:       kind,
		paths:      path,
		attrs:      attrs,
		observedAt: observedAt,
	}
}

func (a ArtifactRecord) Kind() ArtifactKind    { return a.kind }
func (a ArtifactRecord) Path() string          { return a.paths }
func (a ArtifactRecord) Attrs() []Attribute    { return a.attrs }
func (a ArtifactRecord) ObservedAt() time.Time { return a.observedAt }

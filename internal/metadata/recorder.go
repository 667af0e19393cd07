package metadata

/*
Metadata Collected
- Fetch timestamps
- HTTP status codes
- Content hashes
- Crawl depth

Logging Goals
- Debuggable crawl behavior
- Post-run auditability
- Failure diagnostics

Structured logging is preferred.

Allowed:
- Primitive values
- Timestamps
- URLs (as values, not objects with behavior)
- Hashes
- Status codes
- Durations
- Identifiers (page ID, crawl ID)
*/

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// MetadataSink is the write-only interface pipeline packages depend on to
// record observability events. Every method is fire-and-forget: a sink
// implementation must never be consulted to decide retries, continuation,
// or abort. See ErrorCause for the rules this interface exists to enforce.
type MetadataSink interface {
	RecordFetch(fetchUrl string, httpStatus int, duration time.Duration, contentType string, retryCount int, crawlDepth int)
	RecordAssetFetch(assetUrl string, httpStatus int, duration time.Duration, retryCount int)
	RecordError(observedAt time.Time, packageName string, action string, cause ErrorCause, errorString string, attrs []Attribute)
	RecordArtifact(kind ArtifactKind, path string, attrs []Attribute)
}

// Recorder is the concrete MetadataSink used outside of tests. It keeps a
// bounded in-memory log of recent events for post-run inspection and
// mirrors every record to a structured line on its logger.
type Recorder struct {
	mu        sync.Mutex
	logger    *log.Logger
	fetches   []FetchEvent
	errors    []ErrorRecord
	artifacts []ArtifactRecord
	maxKept   int
}

// NewRecorder returns a Recorder writing structured lines to stderr and
// retaining up to maxKept of each event kind for later inspection. A
// maxKept of 0 disables retention (logging only).
func NewRecorder(maxKept int) *Recorder {
	return &Recorder{
		logger:  log.New(os.Stderr, "", log.LstdFlags),
		maxKept: maxKept,
	}
}

func (r *Recorder) RecordFetch(fetchUrl string, httpStatus int, duration time.Duration, contentType string, retryCount int, crawlDepth int) {
	event := NewFetchEvent(fetchUrl, httpStatus, duration, contentType, retryCount, crawlDepth)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Printf("fetch url=%s status=%d duration=%s content_type=%q retries=%d depth=%d",
		fetchUrl, httpStatus, duration, contentType, retryCount, crawlDepth)
	r.fetches = appendBounded(r.fetches, event, r.maxKept)
}

func (r *Recorder) RecordAssetFetch(assetUrl string, httpStatus int, duration time.Duration, retryCount int) {
	event := NewFetchEvent(assetUrl, httpStatus, duration, "", retryCount, -1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Printf("asset_fetch url=%s status=%d duration=%s retries=%d", assetUrl, httpStatus, duration, retryCount)
	r.fetches = appendBounded(r.fetches, event, r.maxKept)
}

func (r *Recorder) RecordError(observedAt time.Time, packageName string, action string, cause ErrorCause, errorString string, attrs []Attribute) {
	record := NewErrorRecord(packageName, action, cause, errorString, observedAt, attrs)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Printf("error pkg=%s action=%s cause=%d message=%q attrs=%s", packageName, action, cause, errorString, formatAttrs(attrs))
	r.errors = appendBounded(r.errors, record, r.maxKept)
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	record := NewArtifactRecord(kind, path, attrs, time.Now())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Printf("artifact kind=%d path=%s attrs=%s", kind, path, formatAttrs(attrs))
	r.artifacts = appendBounded(r.artifacts, record, r.maxKept)
}

// Fetches returns a snapshot of retained fetch events, most recent last.
func (r *Recorder) Fetches() []FetchEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FetchEvent, len(r.fetches))
	copy(out, r.fetches)
	return out
}

// Errors returns a snapshot of retained error records, most recent last.
func (r *Recorder) Errors() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorRecord, len(r.errors))
	copy(out, r.errors)
	return out
}

func appendBounded[T any](items []T, item T, maxKept int) []T {
	if maxKept <= 0 {
		return items
	}
	items = append(items, item)
	if len(items) > maxKept {
		items = items[len(items)-maxKept:]
	}
	return items
}

func formatAttrs(attrs []Attribute) string {
	out := ""
	for i, a := range attrs {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%s", a.Key, a.Value)
	}
	return out
}

// NoopSink discards every event. Useful for tests and dry-run CLI paths
// that want the real pipeline without diagnostic noise.
type NoopSink struct{}

func (NoopSink) RecordFetch(string, int, time.Duration, string, int, int)              {}
func (NoopSink) RecordAssetFetch(string, int, time.Duration, int)                      {}
func (NoopSink) RecordError(time.Time, string, string, ErrorCause, string, []Attribute) {}
func (NoopSink) RecordArtifact(ArtifactKind, string, []Attribute)                       {}

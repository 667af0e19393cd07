package fetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/parser"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
)

/*
Responsibilities

- Perform HTTP requests (GET, HEAD)
- Apply headers, timeouts and redirect ceilings
- Classify transport failures separately from HTTP statuses
- Hand successful HTML bodies to the parser

Fetch Semantics

- Transport failures (DNS, TCP, TLS, read timeout), 5xx responses, and
  429 responses are all retried through the shared backoff handler.
- Every other status is accepted and returned as-is.
- Non-HTML content types short-circuit parsing but still report a status.
- The fetcher never decides whether a page is "alive" — that judgment
  belongs to the caller inspecting StatusCode/Error.
*/

const (
	maxFetchRedirects   = 5
	maxPingRedirects    = 3
	pingTimeout         = 5 * time.Second
	maxFaviconBodyBytes = 1 << 20 // 1 MiB
)

type HtmlFetcher struct {
	metadataSink metadata.MetadataSink
	htmlParser   parser.HtmlParser
	userAgent    string
	fetchClient  *http.Client
	pingClient   *http.Client
	plainClient  *http.Client
}

func NewHtmlFetcher(metadataSink metadata.MetadataSink) HtmlFetcher {
	return HtmlFetcher{
		metadataSink: metadataSink,
		htmlParser:   parser.NewHtmlParser(metadataSink),
	}
}

// Init wires the underlying transport. base's Timeout governs fetch and
// favicon requests, while ping uses pingTimeout; Init derives separate
// clients for fetch/ping/favicon so each
// can apply its own redirect ceiling without racing on a shared
// CheckRedirect closure.
func (h *HtmlFetcher) Init(base *http.Client, userAgent string) {
	h.userAgent = userAgent
	h.fetchClient = cloneWithRedirectLimit(base, maxFetchRedirects)
	h.pingClient = cloneWithRedirectLimit(base, maxPingRedirects)
	h.pingClient.Timeout = pingTimeout
	h.plainClient = cloneWithRedirectLimit(base, maxFetchRedirects)
}

func cloneWithRedirectLimit(base *http.Client, limit int) *http.Client {
	clone := *base
	clone.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return &clone
}

func (h *HtmlFetcher) Fetch(
	ctx context.Context,
	crawlDepth int,
	target url.URL,
	retryParam retry.RetryParam,
) CrawlResult {
	callerMethod := "HtmlFetcher.Fetch"
	startTime := time.Now()

	task := func() (CrawlResult, failure.ClassifiedError) {
		return h.performFetch(ctx, target)
	}
	res := retry.Retry(retryParam, task)

	duration := time.Since(startTime)

	result := res.Value()
	if res.IsFailure() {
		result = CrawlResult{StatusCode: 0, Error: strPtr(res.Err().Error())}
		h.recordFetchFailure(callerMethod, target, res.Err())
	}

	h.metadataSink.RecordFetch(
		target.String(),
		result.StatusCode,
		duration,
		"",
		res.Attempts(),
		crawlDepth,
	)

	return result
}

func (h *HtmlFetcher) recordFetchFailure(callerMethod string, target url.URL, err failure.ClassifiedError) {
	var retryErr *retry.RetryError
	if errors.As(err, &retryErr) {
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			metadata.CauseRetryFailure,
			err.Error(),
			[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, target.String())},
		)
		return
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			mapFetchErrorToMetadataCause(fetchErr),
			err.Error(),
			[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, target.String())},
		)
	}
}

// performFetch issues a single GET attempt. Transport-level failures, 5xx
// responses and 429 responses return a retryable error; every other status
// is a terminal, successful outcome from retry.Retry's perspective.
func (h *HtmlFetcher) performFetch(ctx context.Context, target url.URL) (CrawlResult, failure.ClassifiedError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return CrawlResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Retryable: false,
			Cause:     ErrCauseNetworkFailure,
		}
	}
	applyBrowserHeaders(req, h.userAgent)

	resp, err := h.fetchClient.Do(req)
	if err != nil {
		return CrawlResult{}, &FetchError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Cause:     ErrCauseNetworkFailure,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return CrawlResult{}, &FetchError{
			Message:   fmt.Sprintf("server error: %d", resp.StatusCode),
			Retryable: true,
			Cause:     ErrCauseRequest5xx,
		}
	case resp.StatusCode == 429:
		return CrawlResult{}, &FetchError{
			Message:   "rate limited (429)",
			Retryable: true,
			Cause:     ErrCauseRequestTooMany,
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !isHTMLContent(contentType) {
		return CrawlResult{
			StatusCode: resp.StatusCode,
			Error:      strPtr(fmt.Sprintf("Not HTML: %s", contentType)),
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CrawlResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     ErrCauseReadResponseBodyError,
		}
	}

	parsed, parseErr := h.htmlParser.Parse(string(body), target)
	if parseErr != nil {
		// A parse anomaly still yields a node; only the metadata is empty.
		return CrawlResult{StatusCode: resp.StatusCode, Error: strPtr(parseErr.Error())}, nil
	}

	return CrawlResult{
		StatusCode:  resp.StatusCode,
		Title:       parsed.Title,
		Description: parsed.Description,
		Favicon:     parsed.Favicon,
		OGImage:     parsed.OGImage,
		Links:       parsed.Links,
	}, nil
}

// Ping issues a HEAD request and never returns an error; any failure is
// reported as a not-ok result with status 0.
func (h *HtmlFetcher) Ping(ctx context.Context, target url.URL) PingResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return PingResult{}
	}
	applyBrowserHeaders(req, h.userAgent)

	resp, err := h.pingClient.Do(req)
	if err != nil {
		return PingResult{}
	}
	defer resp.Body.Close()

	return PingResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 400,
		StatusCode: resp.StatusCode,
	}
}

// FetchFavicon retrieves target and returns it as a data URI, or nil on
// any failure (network, status, oversized body).
func (h *HtmlFetcher) FetchFavicon(ctx context.Context, target url.URL) *string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil
	}
	applyBrowserHeaders(req, h.userAgent)

	resp, err := h.plainClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconBodyBytes+1))
	if err != nil || len(body) > maxFaviconBodyBytes {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	encoded := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(body))
	return &encoded
}

func isHTMLContent(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.Contains(contentType, "text/html") ||
		strings.Contains(contentType, "application/xhtml")
}

func applyBrowserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("DNT", "1")
	req.Header.Set("Connection", "keep-alive")
}

func strPtr(s string) *string {
	return &s
}

package fetcher

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rohmanhakim/docs-crawler/pkg/retry"
)

type Fetcher interface {
	Init(httpClient *http.Client, userAgent string)
	Fetch(
		ctx context.Context,
		crawlDepth int,
		target url.URL,
		retryParam retry.RetryParam,
	) CrawlResult
	Ping(ctx context.Context, target url.URL) PingResult
	FetchFavicon(ctx context.Context, target url.URL) *string
}

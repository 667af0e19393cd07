package storage

import "time"

// Node is a single crawled (or pending) page in the crawl graph.
type Node struct {
	ID            string
	URL           string
	NormalizedURL string
	Domain        string
	Title         *string
	Description   *string
	Favicon       *string
	Thumbnail     []byte
	PositionX     float64
	PositionY     float64
	PositionZ     float64
	StatusCode    int
	IsAlive       bool
	Depth         int
	CrawledAt     time.Time
	LastVisited   time.Time
	CreatedAt     time.Time
}

// Edge is a directed link discovered on SourceID's page pointing at
// TargetURL. TargetID is nil until the target has itself been crawled
// (or was already known at insert time).
type Edge struct {
	ID        string
	SourceID  string
	TargetURL string
	TargetID  *string
	CreatedAt time.Time
}

// Stats summarizes a crawl run for progress reporting.
type Stats struct {
	NodesFound   int
	NodesCrawled int
	EdgesFound   int
	Errors       int
	Domains      map[string]struct{}
}

func NewStats() Stats {
	return Stats{Domains: make(map[string]struct{})}
}

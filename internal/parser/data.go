package parser

// ParseResult holds the fields the crawler extracts from a single HTML
// document: enough to render a graph node and to discover further edges.
type ParseResult struct {
	Title       *string
	Description *string
	Favicon     *string
	OGImage     *string
	Links       []string
}

const (
	maxTitleLength       = 500
	maxDescriptionLength = 1000
	maxExtractedTextLen  = 10000
)

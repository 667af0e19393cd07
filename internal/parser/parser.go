package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

/*
Responsibilities

- Parse a fetched document body into title, description, favicon, og:image
  and outbound links
- Resolve every relative reference against the page's base URL
- Never fetch anything itself; operates purely on bytes already in hand

Extraction order

- Title:       <title>, og:title, first <h1>
- Description: meta[name=description], og:description
- Favicon:     link[rel~=icon], falls back to /favicon.ico
- OG image:    og:image, twitter:image
*/

var chromeSelectors = []string{
	"script", "style", "noscript", "iframe", "svg", "canvas",
	"header", "footer", "nav", "aside",
}

type HtmlParser struct {
	metadataSink metadata.MetadataSink
}

func NewHtmlParser(metadataSink metadata.MetadataSink) HtmlParser {
	return HtmlParser{metadataSink: metadataSink}
}

func (p *HtmlParser) Parse(body string, baseURL url.URL) (ParseResult, failure.ClassifiedError) {
	result, err := p.parse(body, baseURL)
	if err != nil {
		var parseErr *ParseError
		if pe, ok := err.(*ParseError); ok {
			parseErr = pe
		}
		p.metadataSink.RecordError(
			time.Now(),
			"parser",
			"HtmlParser.Parse",
			mapParseErrorToMetadataCause(parseErr),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, baseURL.String()),
			},
		)
		return ParseResult{}, parseErr
	}
	return result, nil
}

func (p *HtmlParser) parse(body string, baseURL url.URL) (ParseResult, error) {
	if strings.TrimSpace(body) == "" {
		return ParseResult{}, &ParseError{
			Message:   "empty document body",
			Retryable: false,
			Cause:     ErrCauseEmptyBody,
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ParseResult{}, &ParseError{
			Message:   fmt.Sprintf("failed to parse html: %v", err),
			Retryable: false,
			Cause:     ErrCauseMalformedHTML,
		}
	}

	base := baseURL.String()

	return ParseResult{
		Title:       extractTitle(doc),
		Description: extractDescription(doc),
		Favicon:     extractFavicon(doc, base),
		OGImage:     extractOGImage(doc, base),
		Links:       extractLinks(doc, base),
	}, nil
}

func extractTitle(doc *goquery.Document) *string {
	if v := strings.TrimSpace(doc.Find("title").First().Text()); v != "" {
		return truncated(v, maxTitleLength)
	}
	if v := metaContent(doc, "meta[property='og:title']"); v != "" {
		return truncated(v, maxTitleLength)
	}
	if v := strings.TrimSpace(doc.Find("h1").First().Text()); v != "" {
		return truncated(v, maxTitleLength)
	}
	return nil
}

func extractDescription(doc *goquery.Document) *string {
	if v := metaContent(doc, "meta[name='description']"); v != "" {
		return truncated(v, maxDescriptionLength)
	}
	if v := metaContent(doc, "meta[property='og:description']"); v != "" {
		return truncated(v, maxDescriptionLength)
	}
	return nil
}

func extractFavicon(doc *goquery.Document, base string) *string {
	selectors := []string{
		"link[rel='icon']",
		"link[rel='shortcut icon']",
		"link[rel='apple-touch-icon']",
	}
	for _, sel := range selectors {
		if href, ok := doc.Find(sel).First().Attr("href"); ok {
			href = strings.TrimSpace(href)
			if href == "" {
				continue
			}
			if strings.HasPrefix(href, "data:") {
				return &href
			}
			resolved := normalize.ResolveURL(base, href)
			return &resolved
		}
	}
	fallback := normalize.ResolveURL(base, "/favicon.ico")
	return &fallback
}

func extractOGImage(doc *goquery.Document, base string) *string {
	if v := metaContent(doc, "meta[property='og:image']"); v != "" {
		resolved := normalize.ResolveURL(base, v)
		return &resolved
	}
	if v := metaContent(doc, "meta[name='twitter:image']"); v != "" {
		resolved := normalize.ResolveURL(base, v)
		return &resolved
	}
	return nil
}

func extractLinks(doc *goquery.Document, base string) []string {
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		resolved := normalize.ResolveURL(base, href)
		if !normalize.IsValidURL(resolved) {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}

		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	return links
}

// ExtractText returns a whitespace-collapsed, chrome-stripped rendering of
// html truncated to maxExtractedTextLen characters. It is an auxiliary used
// by callers that want a plain-text preview rather than a structural parse.
func ExtractText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find(strings.Join(chromeSelectors, ", ")).Remove()

	text := doc.Text()
	text = collapseWhitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if len(text) > maxExtractedTextLen {
		text = text[:maxExtractedTextLen]
	}
	return text
}

var collapseWhitespace = regexp.MustCompile(`\s+`)

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func truncated(s string, max int) *string {
	r := []rune(s)
	if len(r) > max {
		s = string(r[:max])
	}
	return &s
}

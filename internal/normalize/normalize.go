// Package normalize canonicalizes URLs for the crawler's dedup key and
// validates whether a URL is worth crawling at all. It owns no concept of
// document content; it is a pure, stateless URL utility package.
package normalize

import (
	"net/url"
	"sort"
	"strings"
)

var blockedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {}, ".pdf": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".webm": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {}, ".rss": {},
}

var blockedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "#"}

// Normalize canonicalizes a URL for dedup purposes.
//
//   - If the URL lacks a scheme, "https://" is prepended.
//   - The hostname is lowercased and a leading "www." is stripped.
//   - A trailing "/" is removed from the path, except when the path is
//     exactly "/".
//   - The fragment is dropped.
//   - Query parameters are kept but sorted lexicographically by key.
//
// The output form is "host + path [+ \"?\" + sorted_query]"; scheme and
// default ports are never part of the key. On parse failure the input is
// returned unchanged. Normalize is idempotent:
// Normalize(Normalize(x)) == Normalize(x) for every x.
func Normalize(rawURL string) string {
	candidate := rawURL
	if !hasScheme(candidate) {
		candidate = "https://" + candidate
	}

	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return rawURL
	}

	host := stripWWW(lowerASCII(parsed.Hostname()))
	path := parsed.Path
	if len(path) > 1 {
		path = stripTrailingSlash(path)
	}

	out := host + path
	if query := sortedQuery(parsed.RawQuery); query != "" {
		out += "?" + query
	}
	return out
}

// ExtractDomain returns the lowercased hostname of url with a leading
// "www." removed. It falls back to the input string on parse failure.
func ExtractDomain(rawURL string) string {
	candidate := rawURL
	if !hasScheme(candidate) {
		candidate = "https://" + candidate
	}

	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Hostname() == "" {
		return rawURL
	}

	return stripWWW(lowerASCII(parsed.Hostname()))
}

// ResolveURL resolves relative against base per RFC 3986. A protocol-relative
// reference ("//host/path") inherits base's scheme.
func ResolveURL(base string, relative string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return relative
	}

	if strings.HasPrefix(relative, "//") {
		relative = baseURL.Scheme + ":" + relative
	}

	refURL, err := url.Parse(relative)
	if err != nil {
		return relative
	}

	return baseURL.ResolveReference(refURL).String()
}

// IsValidURL reports whether url is worth crawling: scheme must be http or
// https, the path must not end in a blocklisted (non-document) extension,
// and the URL must not be a javascript/mailto/tel/data/fragment pseudo-link.
func IsValidURL(rawURL string) bool {
	trimmed := strings.TrimSpace(rawURL)
	lower := strings.ToLower(trimmed)
	for _, prefix := range blockedSchemes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	if parsed.Scheme != "" && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	ext := extensionOf(parsed.Path)
	if _, blocked := blockedExtensions[ext]; blocked {
		return false
	}

	return true
}

// IsSameDomain reports whether a and b share the same registrable domain
// after ExtractDomain.
func IsSameDomain(a, b string) bool {
	return ExtractDomain(a) == ExtractDomain(b)
}

func hasScheme(s string) bool {
	idx := strings.Index(s, "://")
	return idx > 0 && idx < 10
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func sortedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		for j, v := range values[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func extensionOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

// lowerASCII converts ASCII characters to lowercase without allocating when
// the input is already lowercase.
func lowerASCII(s string) string {
	needsLower := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			needsLower = true
			break
		}
	}
	if !needsLower {
		return s
	}
	b := make([]byte, len(s))
	copy(b, s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// stripTrailingSlash removes every trailing slash from path, leaving the
// root path "/" untouched.
func stripTrailingSlash(path string) string {
	for len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}

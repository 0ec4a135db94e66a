package crawler

import (
	"context"
	"regexp"
	"strings"
)

// Page is one fetched, already-converted page: the actual HTML-to-markdown
// conversion lives behind Fetcher, out of scope for this pipeline.
type Page struct {
	URL     string
	Content string // markdown body
	Links   []string
}

// Fetcher retrieves a page's markdown body and the links found on it. The
// pipeline drives crawl order and depth; Fetcher only knows how to fetch
// one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

var (
	headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkPattern    = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)\)`)
	codeFencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n")
)

// extractHeadings returns every markdown heading's text, in document order.
func extractHeadings(markdown string) []string {
	matches := headingPattern.FindAllStringSubmatch(markdown, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// extractLinks returns every markdown link target, in document order.
func extractLinks(markdown string) []string {
	matches := linkPattern.FindAllStringSubmatch(markdown, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// extractCodeLanguages returns the distinct fenced-code-block languages
// named in the document, in first-seen order; unlabeled fences are skipped.
func extractCodeLanguages(markdown string) []string {
	matches := codeFencePattern.FindAllStringSubmatch(markdown, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		lang := m[1]
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}

// matchesAny reports whether url contains any of the given patterns
// (plain substring match; patterns are simple path fragments the way
// the original crawl-policy config expresses them).
func matchesAny(url string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(url, p) {
			return true
		}
	}
	return false
}

package graph

import (
	"regexp"
	"strings"
)

// searchSpecialChars are control tokens in the underlying full-text query
// grammar; a raw query containing them errors instead of searching.
var searchSpecialChars = regexp.MustCompile(`[|&\-@()~$:*\\/]`)

// SanitizeSearchQuery replaces full-text-grammar control characters with a
// space so a free-form query string is always safe to search with.
func SanitizeSearchQuery(query string) string {
	return searchSpecialChars.ReplaceAllString(query, " ")
}

// markdownEmphasis matches runs of 1-3 `*` or `_` markdown emphasis markers.
var markdownEmphasis = regexp.MustCompile("[*_]{1,3}")

// indexNamePunctuation matches punctuation that would otherwise break the
// full-text index's tokenizer when present in an entity name used as an
// episode key.
var indexNamePunctuation = regexp.MustCompile("[`\\[\\]{}()|@#$%^&+=<>/:\"']")

// SanitizeIndexName strips markdown emphasis and index-breaking punctuation
// from a name before it's used as a full-text index key, collapsing
// whitespace left behind. Distinct from SanitizeSearchQuery: this runs once
// at index time on the entity name, not on every search query.
func SanitizeIndexName(name string) string {
	s := markdownEmphasis.ReplaceAllString(name, "")
	s = indexNamePunctuation.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// sanitizeContent strips markdown emphasis and replaces index-breaking
// punctuation in arbitrary content (not just names) before it's stored as
// a full-text episode body. The original text is kept verbatim on the
// entity's Content field; this output is indexing-only.
func sanitizeContent(text string) string {
	s := markdownEmphasis.ReplaceAllString(text, "")
	s = indexNamePunctuation.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

package crawler

import (
	"strings"
	"unicode/utf8"
)

// ChunkerConfig configures the text chunker.
type ChunkerConfig struct {
	ChunkSize    int    // Target chunk size in characters (default 512)
	ChunkOverlap int    // Overlap between chunks (default 50)
	Separator    string // Separator to split on (default "\n\n")
}

// DefaultChunkerConfig returns sensible defaults for recursive text splitting.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    512,
		ChunkOverlap: 50,
		Separator:    "\n\n",
	}
}

// TextChunk holds a single chunk of a document's markdown body, in order.
type TextChunk struct {
	Text  string
	Index int
}

// ChunkText splits text into overlapping chunks using recursive
// splitting, trying separators from most to least structural. Segmenting
// a document's markdown this way, rather than on a fixed character
// stride, keeps related sentences together more often than not.
func ChunkText(text string, config ChunkerConfig) []TextChunk {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 512
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}

	if utf8.RuneCountInString(text) <= config.ChunkSize {
		return []TextChunk{{Text: text, Index: 0}}
	}

	separators := []string{"\n\n", "\n", ". ", " ", ""}
	if config.Separator != "" {
		separators = append([]string{config.Separator}, separators...)
	}

	return recursiveSplit(text, separators, config.ChunkSize, config.ChunkOverlap)
}

func recursiveSplit(text string, separators []string, chunkSize, overlap int) []TextChunk {
	if utf8.RuneCountInString(text) <= chunkSize {
		return []TextChunk{{Text: text}}
	}

	var segments []string
	var usedSep string
	for _, sep := range separators {
		if sep == "" {
			segments = splitByRunes(text, chunkSize)
			usedSep = ""
			break
		}
		parts := strings.Split(text, sep)
		if len(parts) > 1 {
			segments = parts
			usedSep = sep
			break
		}
	}

	if len(segments) == 0 {
		return []TextChunk{{Text: text}}
	}

	var chunks []TextChunk
	var current strings.Builder
	for _, seg := range segments {
		candidate := current.String()
		if candidate != "" {
			candidate += usedSep
		}
		candidate += seg

		if utf8.RuneCountInString(candidate) > chunkSize && current.Len() > 0 {
			chunks = append(chunks, TextChunk{Text: current.String()})

			tail := overlapTail(current.String(), overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		} else {
			if current.Len() > 0 {
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, TextChunk{Text: current.String()})
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

func overlapTail(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

func splitByRunes(text string, n int) []string {
	runes := []rune(text)
	var segments []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, string(runes[i:end]))
	}
	return segments
}

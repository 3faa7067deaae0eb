// Package rag assembles retrieval-augmented context from web pages and
// attachments for search-mode turns.
package rag

import "strings"

// separator hierarchy, largest semantic unit first. The empty string is the
// character-level last resort.
var defaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " ", ""}

// Splitter is a recursive character text splitter: it prefers splitting on
// large separators and falls back to smaller ones when pieces stay too big.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	return &Splitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   defaultSeparators,
	}
}

// Split breaks text into chunks of at most chunkSize characters with
// chunkOverlap characters of prefix overlap between consecutive chunks.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	raw := s.splitRecursive(text, s.separators)
	return s.withOverlap(raw)
}

func (s *Splitter) splitRecursive(text string, separators []string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= s.chunkSize {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	separator := ""
	rest := separators
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		// Character-level split.
		for start := 0; start < len(text); start += s.chunkSize {
			end := start + s.chunkSize
			if end > len(text) {
				end = len(text)
			}
			splits = append(splits, text[start:end])
		}
		return splits
	}
	pieces := strings.Split(text, separator)

	var result []string
	var current strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			result = append(result, chunk)
		}
		current.Reset()
	}

	for i, piece := range pieces {
		if i < len(pieces)-1 {
			piece += separator
		}
		if len(piece) > s.chunkSize {
			flush()
			result = append(result, s.splitRecursive(piece, rest)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(piece) > s.chunkSize {
			flush()
		}
		current.WriteString(piece)
	}
	flush()
	return result
}

func (s *Splitter) withOverlap(chunks []string) []string {
	if len(chunks) <= 1 || s.chunkOverlap <= 0 {
		return chunks
	}
	result := make([]string, len(chunks))
	result[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		overlap := s.chunkOverlap
		if overlap > len(prev) {
			overlap = len(prev)
		}
		result[i] = prev[len(prev)-overlap:] + chunks[i]
	}
	return result
}

// Package chunker splits conversational text into candidate statements for
// memory extraction.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultMinSize = 12
	DefaultMaxSize = 280
)

// Options configures splitting behavior.
type Options struct {
	MinSize int // fragments shorter than this merge into the previous statement
	MaxSize int // statements longer than this are split on word boundaries
}

// DefaultOptions returns default splitting options.
func DefaultOptions() Options {
	return Options{
		MinSize: DefaultMinSize,
		MaxSize: DefaultMaxSize,
	}
}

// ChunkResult is a statement with its byte offsets in the original text.
type ChunkResult struct {
	Text  string
	Start int
	End   int
}

// Chunk splits text into statements on sentence terminators and line breaks.
func Chunk(text string, opts Options) []ChunkResult {
	if opts.MaxSize == 0 {
		opts = DefaultOptions()
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var results []ChunkResult
	for _, s := range splitSentences(text) {
		if len(s.Text) > opts.MaxSize {
			results = append(results, hardSplit(s, opts)...)
			continue
		}
		if n := len(results); n > 0 && len(s.Text) < opts.MinSize &&
			len(results[n-1].Text)+1+len(s.Text) <= opts.MaxSize {
			results[n-1].Text += " " + s.Text
			results[n-1].End = s.End
			continue
		}
		results = append(results, s)
	}
	return results
}

// splitSentences breaks on '.', '!', '?' followed by whitespace, and on newlines.
func splitSentences(text string) []ChunkResult {
	var out []ChunkResult
	start := 0
	flush := func(end int) {
		raw := text[start:end]
		t := strings.TrimSpace(raw)
		if t != "" {
			lead := strings.Index(raw, t)
			out = append(out, ChunkResult{Text: t, Start: start + lead, End: start + lead + len(t)})
		}
		start = end
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\n':
			flush(i + 1)
		case c == '.' || c == '!' || c == '?':
			j := i + 1
			for j < len(text) && (text[j] == '.' || text[j] == '!' || text[j] == '?' || text[j] == '"' || text[j] == ')') {
				j++
			}
			if j == len(text) || unicode.IsSpace(rune(text[j])) {
				flush(j)
				i = j - 1
			}
		}
	}
	flush(len(text))
	return out
}

// hardSplit breaks an oversized statement on word boundaries.
func hardSplit(s ChunkResult, opts Options) []ChunkResult {
	var results []ChunkResult
	words := strings.Fields(s.Text)
	var current []string
	curLen := 0
	offset := s.Start

	emit := func() {
		t := strings.Join(current, " ")
		results = append(results, ChunkResult{Text: t, Start: offset, End: offset + len(t)})
		offset += len(t) + 1
		current = nil
		curLen = 0
	}

	for _, w := range words {
		if curLen+len(w)+1 > opts.MaxSize && len(current) > 0 {
			emit()
		}
		current = append(current, w)
		curLen += len(w) + 1
	}
	if len(current) > 0 {
		emit()
	}
	return results
}

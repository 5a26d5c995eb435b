// Package llm wraps the language models used for background extraction and
// summarization. The engine never calls a model on the read path.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Completer turns a prompt into a single text completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options selects and configures a provider.
type Options struct {
	Provider string // "ollama" | "openai" | "" (heuristics only)
	Model    string
	URL      string
	APIKey   string
}

// New builds the configured completer. It returns nil, nil when no provider is
// configured; callers then use their heuristic fallbacks.
func New(opts Options) (Completer, error) {
	switch opts.Provider {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAI(opts.URL, opts.APIKey, opts.Model), nil
	case "ollama":
		return NewOllama(opts.URL, opts.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: ollama, openai)", opts.Provider)
	}
}

// CleanJSON strips markdown code fences and surrounding prose so that a model
// reply can be handed to json.Unmarshal.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

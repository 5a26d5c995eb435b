package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// Ollama completes prompts with a local Ollama model.
type Ollama struct {
	client *ollama.Client
	model  string
}

func NewOllama(host, model string) (*Ollama, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Ollama{
		client: ollama.NewClient(u, &http.Client{Timeout: 2 * time.Minute}),
		model:  model,
	}, nil
}

func (o *Ollama) Complete(ctx context.Context, prompt string) (string, error) {
	stream := false
	var text strings.Builder
	req := &ollama.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
	}
	err := o.client.Generate(ctx, req, func(gr ollama.GenerateResponse) error {
		text.WriteString(gr.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return text.String(), nil
}

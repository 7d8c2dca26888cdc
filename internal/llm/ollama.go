package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/ashureev/datachat/internal/config"
)

// Ollama completes prompts with a local Ollama server.
type Ollama struct {
	client      *api.Client
	model       string
	temperature float64
}

// NewOllama creates an Ollama completer for cfg.OllamaHost.
func NewOllama(cfg config.LLMConfig) (*Ollama, error) {
	u, err := url.Parse(cfg.OllamaHost)
	if err != nil {
		return nil, fmt.Errorf("parse OLLAMA_HOST: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Ollama{
		client:      api.NewClient(u, httpClient),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete implements Completer.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	stream := false
	options := map[string]any{
		"temperature": o.temperature,
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	genReq := &api.GenerateRequest{
		Model:   o.model,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}

	var (
		content strings.Builder
		final   api.GenerateResponse
	)
	err := o.client.Generate(ctx, genReq, func(gr api.GenerateResponse) error {
		content.WriteString(gr.Response)
		if gr.Done {
			final = gr
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate for model %s: %w", o.model, err)
	}
	if !final.Done {
		return "", fmt.Errorf("no completion received from ollama for model %s", o.model)
	}
	switch final.DoneReason {
	case "", "stop", "length":
	default:
		return "", fmt.Errorf("unexpected completion reason %q for model %s", final.DoneReason, o.model)
	}
	return content.String(), nil
}

// Verify implements Verifier by checking that the model is installed.
func (o *Ollama) Verify(ctx context.Context) error {
	if _, err := o.client.Show(ctx, &api.ShowRequest{Model: o.model}); err != nil {
		return fmt.Errorf("ollama model %s: %w", o.model, err)
	}
	return nil
}

// Package llm provides the text-completion capability the reasoning loop
// calls once per cycle.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/datachat/internal/config"
)

// ErrUnknownProvider is returned by New for an unsupported LLM_PROVIDER.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Request is a single prompt plus optional stop sequences.
type Request struct {
	Prompt string
	Stop   []string
}

// Completer turns a prompt into text. A blank reply is not an error; the
// caller decides what an empty completion means.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Verifier is implemented by completers that can verify credentials and
// model availability without a full completion.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Verify calls c.Verify when c implements Verifier.
func Verify(ctx context.Context, c Completer) error {
	p, ok := c.(Verifier)
	if !ok {
		return nil
	}
	if err := p.Verify(ctx); err != nil {
		return fmt.Errorf("verify model: %w", err)
	}
	return nil
}

// New builds the completer selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg)
	case "openai":
		return NewOpenAI(ctx, cfg)
	case "ollama":
		return NewOllama(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}

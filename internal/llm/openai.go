package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ashureev/datachat/internal/config"
)

// OpenAI completes prompts with any OpenAI-compatible chat endpoint.
type OpenAI struct {
	chat        *openai.ChatModel
	model       string
	temperature float32
}

// NewOpenAI creates an OpenAI-compatible completer.
func NewOpenAI(ctx context.Context, cfg config.LLMConfig) (*OpenAI, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
	}
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create openai chat model: %w", err)
	}
	return &OpenAI{chat: chat, model: cfg.Model, temperature: float32(cfg.Temperature)}, nil
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	opts := []model.Option{model.WithTemperature(o.temperature)}
	if len(req.Stop) > 0 {
		opts = append(opts, model.WithStop(req.Stop))
	}
	msg, err := o.chat.Generate(ctx, []*schema.Message{schema.UserMessage(req.Prompt)}, opts...)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// Verify implements Verifier with a one-token completion.
func (o *OpenAI) Verify(ctx context.Context) error {
	_, err := o.chat.Generate(ctx, []*schema.Message{schema.UserMessage("ping")}, model.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("openai model %s: %w", o.model, err)
	}
	return nil
}

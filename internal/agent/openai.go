package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible streaming processor.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Persona     string
}

// OpenAIProcessor streams replies from an OpenAI-compatible chat API.
type OpenAIProcessor struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates a processor. BaseURL may point at any compatible API.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProcessor {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	return &OpenAIProcessor{client: openai.NewClientWithConfig(config), cfg: cfg}
}

// Name implements Processor.
func (p *OpenAIProcessor) Name() string { return "openai:" + p.cfg.Model }

// Close implements Processor.
func (p *OpenAIProcessor) Close() {}

func (p *OpenAIProcessor) messages(req ChatRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(p.cfg.Persona, req.Vault),
	})
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case domain.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

// Chat implements Processor.
func (p *OpenAIProcessor) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatChunk, error] {
	return func(yield func(*ChatChunk, error) bool) {
		stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       p.cfg.Model,
			Messages:    p.messages(req),
			Temperature: p.cfg.Temperature,
			Stream:      true,
		})
		if err != nil {
			yield(nil, fmt.Errorf("open completion stream: %w", err))
			return
		}
		defer func() { _ = stream.Close() }()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read completion stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(&ChatChunk{Content: resp.Choices[0].Delta.Content}, nil) {
				return
			}
		}
	}
}

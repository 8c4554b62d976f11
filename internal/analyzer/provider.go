package analyzer

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable signals that the reasoning provider cannot be used at all
// (no key, no connectivity). The analyzer treats it like any other failure
// and falls back to templates.
var ErrUnavailable = errors.New("reasoning provider unavailable")

// Provider is the external reasoning backend. It either returns the raw model
// text or an error; no partial response is ever propagated past the analyzer.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAIProvider calls the OpenAI Chat Completions API in JSON mode.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}
}

func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// Package openai provides a chat completion backend for post-processing.
package openai

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

const defaultModel = "gpt-4o-mini"

// LLM implements postprocess.LLM with Chat Completions.
type LLM struct {
	client oai.Client
	model  string
}

// New constructs the backend. baseURL is optional.
func New(apiKey, model, baseURL string) (*LLM, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &LLM{client: oai.NewClient(opts...), model: model}, nil
}

func (l *LLM) Name() string { return "openai" }

// Complete sends one system and one user message and returns the first
// choice.
func (l *LLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := []oai.ChatCompletionMessageParamUnion{}
	if system != "" {
		msgs = append(msgs, oai.SystemMessage(system))
	}
	msgs = append(msgs, oai.UserMessage(prompt))

	resp, err := l.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(l.model),
		Messages:    msgs,
		Temperature: param.NewOpt(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

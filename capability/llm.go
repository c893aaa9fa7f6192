package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

// LLMOptions configure the hosted LLM providers.
type LLMOptions struct {
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

const defaultMaxTokens = 4096

// OpenAI answers prompts with the Chat Completions API. The payload is the
// prompt; the answer is the first choice's content.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds a provider from opts.
func NewOpenAI(opts LLMOptions) *OpenAI {
	var clientOpts []openaiopt.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, openaiopt.WithMaxRetries(0))
	client := openai.NewClient(clientOpts...)
	model := opts.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAI{client: &client, model: model}
}

func (p *OpenAI) Call(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(string(req.Payload))},
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices returned")
	}
	return Response{Payload: []byte(resp.Choices[0].Message.Content)}, nil
}

func (p *OpenAI) Close() error { return nil }

// Anthropic answers prompts with the Messages API. The answer is the
// concatenation of the returned text blocks.
type Anthropic struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic builds a provider from opts.
func NewAnthropic(opts LLMOptions) *Anthropic {
	var clientOpts []anthropicopt.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, anthropicopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicopt.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, anthropicopt.WithMaxRetries(0))
	client := anthropic.NewClient(clientOpts...)
	model := anthropic.Model(opts.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{client: &client, model: model, maxTokens: maxTokens}
}

func (p *Anthropic) Call(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(string(req.Payload)))},
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic api error: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return Response{Payload: []byte(b.String())}, nil
}

func (p *Anthropic) Close() error { return nil }

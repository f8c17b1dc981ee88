package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI chat completions adapter.
type OpenAIOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// OpenAIProvider implements Provider on the OpenAI Chat Completions API.
// SDK retries are disabled; the engine owns the retry budget.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	limiter ports.RateLimiter
}

func NewOpenAIProvider(opts OpenAIOptions, limiter ports.RateLimiter) *OpenAIProvider {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}
	client := openai.NewClient(clientOpts...)
	return NewOpenAIProviderFromClient(&client, opts.Model, limiter)
}

func NewOpenAIProviderFromClient(client *openai.Client, model string, limiter ports.RateLimiter) *OpenAIProvider {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIProvider{client: client, model: model, limiter: limiter}
}

func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	release, err := acquire(ctx, p.limiter, "openai")
	if err != nil {
		return ports.Completion{}, err
	}
	defer release()

	params, err := p.buildParams(in, opts)
	if err != nil {
		return ports.Completion{}, err
	}

	ctx, cancel := withCallTimeout(ctx, opts)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return ports.Completion{}, providerError("openai", apiErr.StatusCode, err)
		}
		return ports.Completion{}, providerError("openai", 0, err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, providerError("openai", 0, fmt.Errorf("no choices returned"))
	}

	msg := resp.Choices[0].Message
	out := ports.Completion{
		Text: msg.Content,
		Raw:  resp,
		Usage: &ports.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) buildParams(in ports.PromptInput, opts ports.Options) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(renderSystem(in))}
	for _, m := range in.Messages {
		switch m.Role {
		case "assistant":
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case "tool":
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       p.model,
		Temperature: openai.Float(float64(opts.Temperature)),
	}
	if opts.MaxNewTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxNewTokens))
	}
	if len(in.Tools) == 0 || opts.ToolChoice == "none" {
		return params, nil
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(in.Tools))
	for _, t := range in.Tools {
		var schema openai.FunctionParameters
		if err := json.Unmarshal(t.JSONSchema, &schema); err != nil {
			return params, fmt.Errorf("tool %s schema: %w", t.Name, err)
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		})
	}
	params.Tools = tools
	return params, nil
}

var _ ports.Provider = (*OpenAIProvider)(nil)

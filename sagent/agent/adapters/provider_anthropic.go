package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicOptions configures the Anthropic messages adapter.
type AnthropicOptions struct {
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   anthropic.Model
	limiter ports.RateLimiter
}

func NewAnthropicProvider(opts AnthropicOptions, limiter ports.RateLimiter) *AnthropicProvider {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}
	client := anthropic.NewClient(clientOpts...)
	return NewAnthropicProviderFromClient(&client, opts.Model, limiter)
}

func NewAnthropicProviderFromClient(client *anthropic.Client, model string, limiter ports.RateLimiter) *AnthropicProvider {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicProvider{client: client, model: m, limiter: limiter}
}

func (p *AnthropicProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	release, err := acquire(ctx, p.limiter, "anthropic")
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

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return ports.Completion{}, providerError("anthropic", apiErr.StatusCode, err)
		}
		return ports.Completion{}, providerError("anthropic", 0, err)
	}

	out := ports.Completion{
		Raw: resp,
		Usage: &ports.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil {
				return ports.Completion{}, providerError("anthropic", 0, fmt.Errorf("tool_use input: %w", err))
			}
			out.ToolCalls = append(out.ToolCalls, ports.ToolCall{ID: tu.ID, Name: tu.Name, Args: args})
		}
	}
	return out, nil
}

// buildParams folds consecutive tool results into one user message, as the
// Messages API requires tool_result blocks to follow the tool_use turn.
func (p *AnthropicProvider) buildParams(in ports.PromptInput, opts ports.Options) (anthropic.MessageNewParams, error) {
	var (
		messages []anthropic.MessageParam
		results  []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range in.Messages {
		switch m.Role {
		case "tool":
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case "assistant":
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return anthropic.MessageNewParams{}, fmt.Errorf("tool call %s args: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()

	maxTokens := int64(opts.MaxNewTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(float64(opts.Temperature)),
	}
	if sys := renderSystem(in); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if len(in.Tools) == 0 || opts.ToolChoice == "none" {
		return params, nil
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(in.Tools))
	for _, t := range in.Tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if err := json.Unmarshal(t.JSONSchema, &schema); err != nil {
			return params, fmt.Errorf("tool %s schema: %w", t.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: schema.Properties,
			Required:   schema.Required,
		}, t.Name)
		if tool.OfTool != nil && t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		tools = append(tools, tool)
	}
	params.Tools = tools
	return params, nil
}

var _ ports.Provider = (*AnthropicProvider)(nil)

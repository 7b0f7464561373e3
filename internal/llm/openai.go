package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Low sampling temperature: tool selection should be deterministic,
// not creative.
const defaultTemperature = 0.2

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	logger      *slog.Logger
}

// OpenAIOptions configures the client. Zero values get defaults.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com
	Model       string
	MaxTokens   int           // default 4096
	Timeout     time.Duration // per-invocation deadline, default 120s
	Temperature float32       // default 0.2
}

// NewOpenAIClient creates a client for the given endpoint and model.
func NewOpenAIClient(opts OpenAIOptions, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		logger:      logger.With("provider", "openai"),
	}
}

// Chat sends one chat-completion request. A per-invocation deadline is
// applied so a stuck upstream surfaces as an error, never a hang.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	oReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(req.Messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(req.Tools) > 0 && !req.ForceText {
		oReq.Tools = convertTools(req.Tools)
		oReq.ToolChoice = "auto"
	}
	if req.ForceText && len(req.Tools) > 0 {
		// The catalog stays visible so prior tool_call turns remain
		// valid, but the model may not issue new calls.
		oReq.Tools = convertTools(req.Tools)
		oReq.ToolChoice = "none"
	}

	c.logger.Debug("chat request",
		"model", c.model,
		"messages", len(oReq.Messages),
		"tools", len(oReq.Tools),
		"force_text", req.ForceText,
	)

	resp, err := c.client.CreateChatCompletion(ctx, oReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Content:      msg.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("chat response",
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
		"content_len", len(out.Content),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Content)

	return out, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func convertTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Package providers implements the agent.LLMProvider contract against
// concrete chat-completion backends.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// MaxRetries caps transient-failure retries. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retries (exponential backoff). Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a request doesn't specify one.
	DefaultModel string
}

// AnthropicProvider implements agent.LLMProvider against Claude's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicProvider builds a provider from config, applying defaults for
// everything but the API key.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name identifies this provider for routing and logging.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams a single completion from Claude, converting the internal
// request/response shapes to and from the Anthropic SDK's.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	chunks := make(chan agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			if !p.isRetryableError(err) {
				chunks <- agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
				return
			}
			if attempt >= p.maxRetries {
				break
			}
			backoff := time.Duration(float64(p.retryDelay) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- agent.CompletionChunk{Error: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
		if err != nil {
			chunks <- agent.CompletionChunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive content-free SSE events before the
// stream is treated as malformed and aborted.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- agent.CompletionChunk) {
	var currentToolCall *anthropic.ToolUseBlock
	var currentToolInput strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			msg := event.AsMessageStart().Message
			if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
				chunks <- agent.CompletionChunk{
					InputTokens:  msg.Usage.InputTokens,
					OutputTokens: msg.Usage.OutputTokens,
				}
			}
			handled = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				chunks <- agent.CompletionChunk{OutputTokens: delta.Usage.OutputTokens}
			}
			handled = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolCall = &tu
				currentToolInput.Reset()
				handled = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- agent.CompletionChunk{Text: delta.Text}
					handled = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					handled = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				tc := &models.ToolCall{
					ID:    currentToolCall.ID,
					Name:  currentToolCall.Name,
					Input: json.RawMessage(currentToolInput.String()),
				}
				chunks <- agent.CompletionChunk{ToolCall: tc}
				currentToolCall = nil
				handled = true
			}

		case "message_stop":
			return

		case "error":
			chunks <- agent.CompletionChunk{Error: errors.New("anthropic: stream error")}
			return
		}

		if handled {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- agent.CompletionChunk{Error: fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyEvents)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
	}
}

func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures (rate limits, 5xx, timeouts,
// connection resets) as retryable; everything else aborts immediately.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

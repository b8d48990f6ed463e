package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loopgateway/loopgw/pkg/models"
)

// Tool is the contract every registered tool and skill handler implements.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolConfig overrides per-tool execution behavior. The executor applies
// Timeout only; MaxAttempts and Priority are carried but not acted on.
type ToolConfig struct {
	Timeout     int // seconds; 0 uses the executor default
	MaxAttempts int
	Priority    int
}

// ToolExecConfig is the resolved per-call execution configuration handed to
// the executor after tool-name-specific overrides are applied.
type ToolExecConfig struct {
	Timeout     int
	MaxAttempts int
}

// ToolResultGuard redacts tool output before it is persisted to storage.
// The zero value is inactive and returns results unchanged.
type ToolResultGuard struct {
	Redact func(toolName string, result models.ToolResult) models.ToolResult
}

func (g ToolResultGuard) active() bool { return g.Redact != nil }

// Apply redacts a tool result if a redaction function is configured.
func (g ToolResultGuard) Apply(toolName string, result models.ToolResult, _ any) models.ToolResult {
	if g.Redact == nil {
		return result
	}
	return g.Redact(toolName, result)
}

// ToolEventStore persists tool call/result events for audit and replay.
type ToolEventStore interface {
	AddToolCall(ctx context.Context, sessionID, assistantMsgID string, tc *models.ToolCall) error
	AddToolResult(ctx context.Context, sessionID, assistantMsgID string, tc *models.ToolCall, res *models.ToolResult) error
}

// LoopPhase identifies which stage of the agentic loop state machine is
// currently executing.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError describes a failure that terminated a loop run, tagged with the
// phase and iteration it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
	Message   string
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "agent loop error"
}

func (e *LoopError) Unwrap() error { return e.Cause }

// RunUsage is a completed run's token accounting, summed across every
// LLM turn the run made.
type RunUsage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ResponseChunk is one unit of streamed output from a loop run: assistant
// text, a tool lifecycle event, a tool result, the final usage summary,
// or a terminal error.
type ResponseChunk struct {
	Text       string
	ToolEvent  *models.ToolEvent
	ToolResult *models.ToolResult
	Usage      *RunUsage
	Error      *LoopError
}

// CompletionMessage is a single turn in the conversation sent to the LLM
// provider, in its wire-agnostic form.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Attachments []models.Attachment
}

// CompletionRequest is the full request sent to an LLMProvider for one
// stream phase iteration.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []Tool
	MaxTokens int
}

// CompletionChunk is one streamed fragment of an LLM provider's response.
// Token counts arrive on whichever fragments the provider reports them
// with (start and delta events for Anthropic, the final chunk for
// OpenAI); consumers sum them.
type CompletionChunk struct {
	Text         string
	ToolCall     *models.ToolCall
	InputTokens  int64
	OutputTokens int64
	Error        error
}

// LLMProvider abstracts a streaming chat-completion backend (Anthropic,
// OpenAI, or any other provider implementing this contract).
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan CompletionChunk, error)
}

// Errors returned by the agentic loop.
var (
	ErrNoProvider     = errors.New("agent: no LLM provider configured")
	ErrMaxIterations  = errors.New("agent: reached max loop iterations")
	ErrSessionMissing = errors.New("agent: session is required")
)

// Size limits enforced during the stream phase to bound memory use for a
// single run.
const (
	MaxResponseTextSize      = 4 << 20 // 4MB of accumulated assistant text per LLM turn
	MaxToolCallsPerIteration = 32
	processBufferSize        = 16
)

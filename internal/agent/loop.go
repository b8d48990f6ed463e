package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/internal/tools/policy"
	"github.com/loopgateway/loopgw/pkg/models"
)

// LoopConfig configures the agentic loop behavior including iteration limits
// and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool-use round trips in a single run.
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses.
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited).
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit).
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig

	// StreamToolResults streams tool results as they complete.
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks.
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval when no
	// ApprovalChecker is configured.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// ToolPolicy, when set, filters the tools offered to the LLM and gates
	// tool execution to the conversation's configured policy.
	ToolPolicy    *policy.Policy
	PolicyResolver *policy.Resolver

	// BranchStore provides branch-aware history and message append.
	BranchStore sessions.BranchStore

	// SystemAddendum, when set, is appended to every run's composed
	// system prompt after the channel-style hint. It is a function so
	// dynamic content (the skill catalog's not-yet-installed listing)
	// stays current as skills are activated.
	SystemAddendum func() string
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:     10,
		MaxTokens:         4096,
		ExecutorConfig:    DefaultExecutorConfig(),
		StreamToolResults: true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// AgenticLoop implements the multi-turn agent conversation loop as a state
// machine: Init loads history, Stream calls the LLM, ExecuteTools runs any
// requested tool calls, Continue folds results back into history, and
// Complete ends the run (or Continue loops back to Stream).
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	branches sessions.BranchStore
	config   *LoopConfig

	defaultModel  string
	defaultSystem string
}

// NewAgenticLoop creates a new agentic loop. If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, branches sessions.BranchStore, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if config.BranchStore == nil {
		config.BranchStore = branches
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	return &AgenticLoop{
		provider: provider,
		executor: NewExecutor(registry, config.ExecutorConfig),
		branches: config.BranchStore,
		config:   config,
	}
}

// SetDefaultModel sets the default model used when a request does not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) { l.defaultModel = model }

// SetDefaultSystem sets the default system prompt used when a request does not specify one.
func (l *AgenticLoop) SetDefaultSystem(system string) { l.defaultSystem = system }

// ConfigureTool sets per-tool configuration overrides; only the timeout is applied.
func (l *AgenticLoop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// LoopState tracks the current state of an agentic loop execution.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	TotalToolCalls  int
	Messages        []CompletionMessage
	PendingTools    []models.ToolCall
	AccumulatedText string
	BranchID        string
	AssistantMsgID  string
	System          string
	InputTokens     int64
	OutputTokens    int64
}

// Run executes the agentic loop and streams results through a channel. The
// channel is closed when the run completes or a terminal error occurs.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, ErrSessionMissing
	}
	if msg == nil {
		return nil, errors.New("agent: message is required")
	}
	if l.branches == nil {
		return nil, errors.New("agent: no branch store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{Phase: PhaseInit}

		if err := l.initializeState(runCtx, session, msg, state); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}}
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg, state.BranchID); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}}
			return
		}

		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				chunks <- &ResponseChunk{Error: &LoopError{Phase: state.Phase, Iteration: state.Iteration, Cause: runCtx.Err()}}
				return
			default:
			}

			state.Phase = PhaseStream
			toolCalls, err := l.streamPhase(runCtx, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}}
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase: PhaseStream, Iteration: state.Iteration,
					Cause: fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}}
				return
			}
			state.AssistantMsgID = assistantMsgID
			l.persistToolCalls(runCtx, session, assistantMsgID, toolCalls)

			if len(toolCalls) == 0 {
				l.addAssistantMessage(state, toolCalls)
				state.Phase = PhaseComplete
				chunks <- &ResponseChunk{Usage: &RunUsage{
					Model:        l.defaultModel,
					InputTokens:  state.InputTokens,
					OutputTokens: state.OutputTokens,
				}}
				return
			}

			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls

			toolResults, err := l.executeToolsPhase(runCtx, session, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}}
				return
			}

			if err := l.persistToolMessage(runCtx, session, state.BranchID, toolCalls, toolResults); err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}}
				return
			}

			state.Phase = PhaseContinue
			l.continuePhase(state, toolCalls, toolResults)
			state.Iteration++
		}

		chunks <- &ResponseChunk{Error: &LoopError{
			Phase: state.Phase, Iteration: state.Iteration, Cause: ErrMaxIterations,
			Message: fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
		}}
	}()

	return chunks, nil
}

// RunWithBranch executes the agentic loop on a specific conversation branch.
func (l *AgenticLoop) RunWithBranch(ctx context.Context, session *models.Session, msg *models.Message, branchID string) (<-chan *ResponseChunk, error) {
	msg.BranchID = branchID
	return l.Run(ctx, session, msg)
}

func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	if msg.BranchID != "" {
		state.BranchID = msg.BranchID
	} else {
		branch, err := l.branches.EnsurePrimaryBranch(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("ensure primary branch: %w", err)
		}
		state.BranchID = branch.ID
		msg.BranchID = branch.ID
	}

	// Compose the run's system prompt: base + channel-style hint for the
	// originating channel + the catalog-awareness addendum.
	channel := msg.Channel
	if channel == "" {
		channel = session.Channel
	}
	addendum := ""
	if l.config.SystemAddendum != nil {
		addendum = l.config.SystemAddendum()
	}
	state.System = ComposeSystemPrompt(l.defaultSystem, channel, addendum)

	history, err := l.branches.GetBranchHistory(ctx, state.BranchID, 50)
	if err != nil {
		return fmt.Errorf("get branch history: %w", err)
	}

	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}

	role := msg.Role
	if role == "" {
		role = models.RoleUser
	}
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        string(role),
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})
	return nil
}

func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ToolCall, error) {
	tools := l.executor.registry.AsLLMTools()
	if l.config.ToolPolicy != nil {
		tools = filterToolsByPolicy(l.config.PolicyResolver, l.config.ToolPolicy, tools)
	}

	system := state.System
	if system == "" {
		system = l.defaultSystem
	}
	req := &CompletionRequest{
		Model:     l.defaultModel,
		System:    system,
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}

	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var toolCalls []models.ToolCall
	var textLen int
	var text strings.Builder
	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		state.InputTokens += chunk.InputTokens
		state.OutputTokens += chunk.OutputTokens
		if chunk.Text != "" {
			textLen += len(chunk.Text)
			if textLen > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	state.AccumulatedText = text.String()
	return toolCalls, nil
}

func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ToolResult, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil
	}

	resolver := l.config.PolicyResolver
	toolPolicy := l.config.ToolPolicy
	approvalChecker := l.config.ApprovalChecker

	results := make([]models.ToolResult, len(state.PendingTools))
	allowedCalls := make([]models.ToolCall, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]
		l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventRequested, Input: tc.Input})

		if toolPolicy != nil && !resolver.IsAllowed(toolPolicy, tc.Name) {
			res := models.ToolResult{ToolCallID: tc.ID, Content: "tool not allowed: " + tc.Name, IsError: true}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied, Error: res.Content, PolicyReason: "tool not allowed by policy", FinishedAt: time.Now()})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.AgentID, tc)
			switch decision {
			case ApprovalDenied:
				res := models.ToolResult{ToolCallID: tc.ID, Content: "tool denied by approval policy: " + reason, IsError: true}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied, Error: res.Content, PolicyReason: reason, FinishedAt: time.Now()})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			case ApprovalPending:
				req, reqErr := approvalChecker.CreateApprovalRequest(ctx, session.AgentID, session.ID, tc, reason)
				content := "approval required for tool: " + tc.Name
				var approved bool
				var approveErr error
				if reqErr == nil && req != nil {
					content = fmt.Sprintf("%s (id: %s)", content, req.ID)
					// Surface the prompt before suspending; the router
					// forwards it to the conversation's adapter.
					l.emitToolEvent(chunks, &models.ToolEvent{
						ToolCallID: tc.ID,
						ToolName:   tc.Name,
						Stage:      models.ToolEventApprovalRequired,
						ApprovalID: req.ID,
						Input:      tc.Input,
						PolicyReason: reason,
						StartedAt:  time.Now(),
					})
					approved, approveErr = approvalChecker.AwaitDecision(ctx, req.ID)
				}
				if approveErr == nil && approved {
					allowedCalls = append(allowedCalls, tc)
					allowedToOriginal = append(allowedToOriginal, i)
					continue
				}
				res := models.ToolResult{ToolCallID: tc.ID, Content: content, IsError: true}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired, Error: res.Content, PolicyReason: reason, FinishedAt: time.Now()})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver) {
			res := models.ToolResult{ToolCallID: tc.ID, Content: "approval required for tool: " + tc.Name, IsError: true}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired, Error: res.Content, FinishedAt: time.Now()})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	for _, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventStarted, StartedAt: time.Now()})
	}

	execResults := l.executor.ExecuteAll(ctx, allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]
		switch {
		case r == nil:
			results[origIdx] = models.ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
			l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventFailed, Error: results[origIdx].Content, FinishedAt: time.Now()})
		case r.Error != nil:
			results[origIdx] = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
			l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: r.ToolCallID, ToolName: tc.Name, Stage: models.ToolEventFailed, Error: results[origIdx].Content, FinishedAt: time.Now()})
		case r.Result != nil:
			results[origIdx] = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Result.Content, IsError: r.Result.IsError}
			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: r.ToolCallID, ToolName: tc.Name, Stage: stage, Output: r.Result.Content, FinishedAt: time.Now()})
		}
		l.persistToolResult(ctx, session, state.AssistantMsgID, tc, results[origIdx], resolver)
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(state.PendingTools) {
			results[i].ToolCallID = state.PendingTools[i].ID
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunks <- &ResponseChunk{ToolResult: &results[i]}
		}
	}

	return results, nil
}

func (l *AgenticLoop) continuePhase(state *LoopState, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	l.addAssistantMessage(state, toolCalls)
	state.Messages = append(state.Messages, CompletionMessage{Role: "tool", ToolResults: toolResults})
	state.AccumulatedText = ""
	state.PendingTools = nil
}

func (l *AgenticLoop) addAssistantMessage(state *LoopState, toolCalls []models.ToolCall) {
	state.Messages = append(state.Messages, CompletionMessage{Role: "assistant", Content: state.AccumulatedText, ToolCalls: toolCalls})
}

func (l *AgenticLoop) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message, branchID string) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Channel == "" {
		msg.Channel = session.Channel
	}
	if msg.ChannelID == "" {
		msg.ChannelID = session.ChannelID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if branchID != "" {
		msg.BranchID = branchID
	}
	return l.branches.AppendMessageToBranch(ctx, session.ID, branchID, msg)
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, toolCalls []models.ToolCall) (string, error) {
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
		BranchID:  state.BranchID,
	}
	if err := l.branches.AppendMessageToBranch(ctx, session.ID, state.BranchID, assistantMsg); err != nil {
		return "", err
	}
	return assistantMsg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, branchID string, toolCalls []models.ToolCall, toolResults []models.ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	persistResults := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults, l.config.PolicyResolver)
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Channel:     session.Channel,
		ChannelID:   session.ChannelID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: persistResults,
		CreatedAt:   time.Now(),
		BranchID:    branchID,
	}
	return l.branches.AppendMessageToBranch(ctx, session.ID, branchID, toolMsg)
}

func (l *AgenticLoop) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (l *AgenticLoop) persistToolCalls(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ToolCall) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &toolCalls[i])
	}
}

func (l *AgenticLoop) persistToolResult(ctx context.Context, session *models.Session, assistantMsgID string, tc models.ToolCall, res models.ToolResult, resolver *policy.Resolver) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	guarded := guardToolResult(l.config.ToolResultGuard, tc.Name, res, resolver)
	_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, assistantMsgID, &tc, &guarded)
}

// Runtime wraps an AgenticLoop and a ToolRegistry behind a small, stable
// surface used by channel adapters and the conversation router.
type Runtime struct {
	loop *AgenticLoop
}

// NewRuntime creates a Runtime wrapping a fresh AgenticLoop.
func NewRuntime(provider LLMProvider, branches sessions.BranchStore, config *LoopConfig) *Runtime {
	registry := NewToolRegistry()
	return &Runtime{loop: NewAgenticLoop(provider, registry, branches, config)}
}

// SetDefaultModel configures the fallback model used when not specified per request.
func (r *Runtime) SetDefaultModel(model string) { r.loop.SetDefaultModel(model) }

// SetSystemPrompt configures the fallback system prompt used when not specified per request.
func (r *Runtime) SetSystemPrompt(system string) { r.loop.SetDefaultSystem(system) }

// SetSystemAddendum installs the dynamic addendum appended to every
// composed system prompt (the skill catalog's availability listing).
func (r *Runtime) SetSystemAddendum(fn func() string) { r.loop.config.SystemAddendum = fn }

// RegisterTool adds a tool to the runtime's tool registry.
func (r *Runtime) RegisterTool(tool Tool) { r.loop.executor.registry.Register(tool) }

// UnregisterTool removes a runtime-registered tool (MCP bridges on server
// stop, skills on disable).
func (r *Runtime) UnregisterTool(name string) { r.loop.executor.registry.Unregister(name) }

// ConfigureTool sets per-tool configuration; only the timeout is applied.
func (r *Runtime) ConfigureTool(name string, config *ToolConfig) { r.loop.ConfigureTool(name, config) }

// Tools exposes the runtime's tool registry for components that register
// in bulk (the skills loader).
func (r *Runtime) Tools() *ToolRegistry { return r.loop.executor.registry }

// Process handles an incoming message using the agentic loop and streams results.
func (r *Runtime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *Runtime) ExecutorMetrics() *ExecutorMetricsSnapshot { return r.loop.executor.Metrics() }

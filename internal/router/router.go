// Package router implements the conversation router: the per-conversation
// serialization lock with a merge-on-drain batching queue, in-band
// slash-command handling, budget enforcement, and dispatch into the agent
// loop. It is the single place inbound messages from every channel adapter
// funnel through before an agent run is started.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/bus"
	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/internal/infra"
	"github.com/loopgateway/loopgw/internal/ratelimit"
	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/internal/storage"
	"github.com/loopgateway/loopgw/internal/usage"
	"github.com/loopgateway/loopgw/pkg/models"
)

// conversationLane holds the messages that arrived for a conversation while
// a run was already in flight for it. Its presence in Router.lanes IS the
// "processing" marker from the routing algorithm; there is deliberately no
// separate boolean, so deleting the map entry both frees the lock and
// discards an empty queue in one step.
type conversationLane struct {
	queue []*models.Message
}

// Router owns the process-wide conversation lock/queue and dispatches
// resolved conversations into the agent runtime.
type Router struct {
	mu    sync.Mutex
	lanes map[string]*conversationLane

	runtime   *agent.Runtime
	registry  *channels.Registry
	sessions  storage.SessionStore
	branches  sessions.BranchStore
	approvals *agent.ApprovalChecker
	budget    *BudgetGate
	limits    ratelimit.Limiter
	runs      storage.RunStore
	provider  string
	bus       *bus.Bus
	logger    *slog.Logger

	isolated        *IsolatedAgent
	agents          storage.AgentStore
	defaultIsolated bool
}

// SetRateLimiter installs a per-conversation (channel + chat key) inbound rate limiter. Nil (the
// default) disables limiting.
func (r *Router) SetRateLimiter(l ratelimit.Limiter) { r.limits = l }

// SetRunStore enables agent-run and API-call accounting. provider names
// the LLM backend recorded on each call row. Nil disables accounting.
func (r *Router) SetRunStore(runs storage.RunStore, provider string) {
	r.runs = runs
	r.provider = provider
}

// SetIsolatedAgent enables the sandboxed run path. defaultIsolated sets
// the gateway-wide default; a session's agent config ("isolated": true/
// false, read through agents) overrides it per agent. Nil disables
// isolation entirely.
func (r *Router) SetIsolatedAgent(ia *IsolatedAgent, agents storage.AgentStore, defaultIsolated bool) {
	r.isolated = ia
	r.agents = agents
	r.defaultIsolated = defaultIsolated
}

// isolatedFor decides whether this session's runs go through the
// sandbox: the per-agent config flag when the session pins an agent, the
// gateway default otherwise.
func (r *Router) isolatedFor(ctx context.Context, session *models.Session) bool {
	if r.isolated == nil {
		return false
	}
	if session.AgentID != "" && r.agents != nil {
		if agentRow, err := r.agents.Get(ctx, session.AgentID); err == nil && agentRow.Config != nil {
			if v, ok := agentRow.Config["isolated"].(bool); ok {
				return v
			}
		}
	}
	return r.defaultIsolated
}

// New creates a Router. budget may be nil, in which case no budget is ever
// enforced; bus may be nil, in which case lifecycle events are dropped.
func New(
	runtime *agent.Runtime,
	registry *channels.Registry,
	sessionStore storage.SessionStore,
	branches sessions.BranchStore,
	approvals *agent.ApprovalChecker,
	budget *BudgetGate,
	eventBus *bus.Bus,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if budget == nil {
		budget = NewBudgetGate()
	}
	return &Router{
		lanes:     make(map[string]*conversationLane),
		runtime:   runtime,
		registry:  registry,
		sessions:  sessionStore,
		branches:  branches,
		approvals: approvals,
		budget:    budget,
		bus:       eventBus,
		logger:    logger.With("component", "router"),
	}
}

// Run wires every registered adapter's inbound message stream into the
// router and blocks until ctx is cancelled. Each message is routed on its
// own goroutine so a conversation waiting for a lock never stalls ingestion
// from other conversations or channels.
func (r *Router) Run(ctx context.Context) {
	for msg := range r.registry.AggregateMessages(ctx) {
		go func(m *models.Message) {
			if err := r.Route(ctx, m, ""); err != nil {
				r.logger.Error("route failed", "channel", m.Channel, "error", err)
			}
		}(msg)
	}
}

// Route processes a single inbound message per the algorithm: slash
// commands short-circuit before touching the queue; everything else
// resolves a conversation and either runs immediately or joins that
// conversation's queue if a run is already in flight.
func (r *Router) Route(ctx context.Context, msg *models.Message, chatTitle string) error {
	if msg == nil {
		return fmt.Errorf("router: nil message")
	}

	if cmd, args, ok := parseSlashCommand(msg.Content); ok {
		return r.handleCommand(ctx, cmd, args, msg)
	}

	if r.limits != nil {
		key := ratelimit.CompositeKey(string(msg.Channel), conversationKey(msg))
		ok, err := r.limits.Check(ctx, key)
		if err != nil {
			r.logger.Warn("rate limit check failed", "key", key, "error", err)
		} else if !ok {
			return r.reply(ctx, msg, "you're sending messages too quickly — please wait a moment and try again.")
		}
	}

	r.publish(bus.TopicChannel, "message_received", map[string]any{"channel": string(msg.Channel)})

	session, err := r.getOrCreateConversation(ctx, msg.Channel, conversationKey(msg), chatTitle)
	if err != nil {
		r.logger.Error("resolve conversation failed", "channel", msg.Channel, "error", err)
		return r.reply(ctx, msg, "could not process that message right now.")
	}
	msg.SessionID = session.ID

	r.mu.Lock()
	lane, processing := r.lanes[session.ID]
	if processing {
		lane.queue = append(lane.queue, msg)
		r.mu.Unlock()
		return r.reply(ctx, msg, "queued — I'll get to this right after the current request.")
	}
	r.lanes[session.ID] = &conversationLane{}
	r.mu.Unlock()

	// The run outlives this call (an adapter's per-message handler), so it
	// must not be cancelled when that handler returns.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("conversation run panicked", "session_id", session.ID, "panic", rec)
				r.mu.Lock()
				delete(r.lanes, session.ID)
				r.mu.Unlock()
			}
		}()
		r.runConversation(runCtx, session, msg)
	}()
	return nil
}

// runConversation runs msg through the agent loop, then drains whatever
// queued up behind it, recursively, until the conversation's queue is
// empty, at which point it is removed from processing.
func (r *Router) runConversation(ctx context.Context, session *models.Session, msg *models.Message) {
	r.processOne(ctx, session, msg)

	for {
		r.mu.Lock()
		lane := r.lanes[session.ID]
		if lane == nil || len(lane.queue) == 0 {
			delete(r.lanes, session.ID)
			r.mu.Unlock()
			return
		}
		batch := lane.queue
		lane.queue = nil
		r.mu.Unlock()

		r.processOne(ctx, session, mergeBatch(batch))
	}
}

// processOne runs the budget gate and a single agent-loop pass for msg,
// replying on the originating adapter with the assembled text or, on
// failure, a generic apology (the error envelope).
func (r *Router) processOne(ctx context.Context, session *models.Session, msg *models.Message) {
	group := string(session.Channel)
	if ok, reason := r.budget.Check(group); !ok {
		r.publish(bus.TopicAgent, "budget_exceeded", map[string]any{"session_id": session.ID, "reason": reason})
		_ = r.reply(ctx, msg, reason)
		return
	}

	if r.isolatedFor(ctx, session) {
		r.processIsolated(ctx, session, msg, group)
		return
	}

	started := time.Now()
	run := r.beginRun(ctx, session, msg)
	chunks, err := r.runtime.Process(ctx, session, msg)
	if err != nil {
		r.finishRun(ctx, run, nil, err)
		r.handleLoopError(ctx, session, msg, err)
		return
	}

	var text strings.Builder
	var runUsage *agent.RunUsage
	for chunk := range chunks {
		if chunk.Error != nil {
			r.finishRun(ctx, run, runUsage, chunk.Error)
			r.handleLoopError(ctx, session, msg, chunk.Error)
			return
		}
		if chunk.Usage != nil {
			runUsage = chunk.Usage
		}
		if chunk.ToolEvent != nil {
			r.publish(bus.TopicAgent, "tool_event", map[string]any{
				"session_id": session.ID,
				"tool":       chunk.ToolEvent.ToolName,
				"stage":      string(chunk.ToolEvent.Stage),
			})
			// A suspended tool call: deliver the approval prompt on the
			// originating adapter while the loop waits.
			if chunk.ToolEvent.Stage == models.ToolEventApprovalRequired && chunk.ToolEvent.ApprovalID != "" {
				r.publish(bus.TopicApproval, "required", map[string]any{
					"session_id":  session.ID,
					"approval_id": chunk.ToolEvent.ApprovalID,
					"tool":        chunk.ToolEvent.ToolName,
				})
				if err := r.sendApprovalPrompt(ctx, msg, chunk.ToolEvent.ApprovalID, chunk.ToolEvent.ToolName); err != nil {
					r.logger.Error("approval prompt delivery failed",
						"session_id", session.ID, "approval_id", chunk.ToolEvent.ApprovalID, "error", err)
				}
			}
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
	}
	r.finishRun(ctx, run, runUsage, nil)
	r.logAPICall(ctx, session, runUsage, time.Since(started), false)
	if runUsage != nil {
		r.budget.Record(group, usage.Usage{
			InputTokens:  runUsage.InputTokens,
			OutputTokens: runUsage.OutputTokens,
		})
	}
	r.publish(bus.TopicAgent, "run_complete", map[string]any{
		"session_id":  session.ID,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if text.Len() == 0 {
		return
	}
	if err := r.reply(ctx, msg, text.String()); err != nil {
		r.logger.Error("reply failed", "session_id", session.ID, "error", err)
	}
}

// processIsolated is processOne's sandboxed counterpart: the whole
// invocation runs inside a Container Runner subprocess, and the api_calls
// row is marked isolated.
func (r *Router) processIsolated(ctx context.Context, session *models.Session, msg *models.Message, group string) {
	started := time.Now()
	run := r.beginRun(ctx, session, msg)

	text, runUsage, err := r.isolated.Run(ctx, session, msg)
	if err != nil {
		r.finishRun(ctx, run, runUsage, err)
		r.handleLoopError(ctx, session, msg, err)
		return
	}

	r.finishRun(ctx, run, runUsage, nil)
	r.logAPICall(ctx, session, runUsage, time.Since(started), true)
	if runUsage != nil {
		r.budget.Record(group, usage.Usage{
			InputTokens:  runUsage.InputTokens,
			OutputTokens: runUsage.OutputTokens,
		})
	}
	r.publish(bus.TopicAgent, "run_complete", map[string]any{
		"session_id":  session.ID,
		"duration_ms": time.Since(started).Milliseconds(),
		"isolated":    true,
	})
	if text == "" {
		return
	}
	if err := r.reply(ctx, msg, text); err != nil {
		r.logger.Error("reply failed", "session_id", session.ID, "error", err)
	}
}

// beginRun persists the run row for this message, pending then running,
// per the agent-run lifecycle. Returns nil when accounting is disabled.
func (r *Router) beginRun(ctx context.Context, session *models.Session, msg *models.Message) *models.AgentRun {
	if r.runs == nil {
		return nil
	}
	run := &models.AgentRun{
		ID:             uuid.NewString(),
		SessionID:      session.ID,
		InputMessageID: msg.ID,
		Status:         models.RunPending,
		StartedAt:      time.Now().UTC(),
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		r.logger.Warn("agent run row create failed", "error", err)
		return nil
	}
	run.Status = models.RunRunning
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		r.logger.Warn("agent run row update failed", "error", err)
	}
	return run
}

// finishRun marks the run row terminal with its token totals.
func (r *Router) finishRun(ctx context.Context, run *models.AgentRun, runUsage *agent.RunUsage, runErr error) {
	if r.runs == nil || run == nil {
		return
	}
	if runUsage != nil {
		run.InputTokens = runUsage.InputTokens
		run.OutputTokens = runUsage.OutputTokens
	}
	run.FinishedAt = time.Now().UTC()
	if runErr != nil {
		run.Status = models.RunError
		run.Error = runErr.Error()
	} else {
		run.Status = models.RunCompleted
	}
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		r.logger.Warn("agent run row finish failed", "run_id", run.ID, "error", err)
	}
}

// logAPICall appends the run's spend to the API-call ledger, grouped by
// the session's channel type so per-group budgets can read it back.
// isolated marks runs that went through the Container Runner sandbox.
func (r *Router) logAPICall(ctx context.Context, session *models.Session, runUsage *agent.RunUsage, elapsed time.Duration, isolated bool) {
	if r.runs == nil || runUsage == nil {
		return
	}
	call := &models.APICall{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		AgentID:      session.AgentID,
		Provider:     r.provider,
		Model:        runUsage.Model,
		InputTokens:  runUsage.InputTokens,
		OutputTokens: runUsage.OutputTokens,
		DurationMS:   elapsed.Milliseconds(),
		Isolated:     isolated,
		GroupID:      string(session.Channel),
		Status:       "ok",
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.runs.LogAPICall(ctx, call); err != nil {
		r.logger.Warn("api call log failed", "error", err)
	}
}

// handleLoopError implements the error envelope: log structured detail,
// emit it on the bus, and reply with a generic apology on the same adapter.
func (r *Router) handleLoopError(ctx context.Context, session *models.Session, msg *models.Message, err error) {
	r.logger.Error("agent loop failed", "session_id", session.ID, "channel", session.Channel, "error", err)
	r.publish(bus.TopicAgent, "run_error", map[string]any{"session_id": session.ID, "error": err.Error()})
	if errors.Is(err, infra.ErrCircuitOpen) {
		_ = r.reply(ctx, msg, "the assistant is temporarily unavailable. please try again in a minute.")
		return
	}
	_ = r.reply(ctx, msg, "sorry, something went wrong handling that. please try again.")
}

func (r *Router) publish(topic bus.Topic, typ string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&bus.Event{Topic: topic, Type: typ, Payload: payload})
}

// sendApprovalPrompt delivers an approval request to the user: adapters
// with interactive buttons post an approve/reject pair; everyone else
// gets a text prompt naming the slash commands.
func (r *Router) sendApprovalPrompt(ctx context.Context, original *models.Message, approvalID, toolName string) error {
	if adapter, ok := r.registry.Get(original.Channel); ok {
		if prompter, ok := adapter.(channels.ApprovalPrompter); ok {
			return prompter.SendApprovalPrompt(ctx, original, approvalID, toolName)
		}
	}
	return r.reply(ctx, original, fmt.Sprintf(
		"approval required: the assistant wants to run %s.\nreply /approve %s or /reject %s (optionally followed by a reason).",
		toolName, approvalID, approvalID))
}

// reply sends text back through the adapter that owns original's channel,
// carrying over original's metadata so the adapter can address the right
// chat/peer/thread.
func (r *Router) reply(ctx context.Context, original *models.Message, text string) error {
	outbound, ok := r.registry.GetOutbound(original.Channel)
	if !ok {
		return fmt.Errorf("router: no outbound adapter registered for channel %s", original.Channel)
	}
	out := &models.Message{
		ID:        uuid.NewString(),
		SessionID: original.SessionID,
		Channel:   original.Channel,
		ChannelID: original.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		Metadata:  original.Metadata,
		CreatedAt: time.Now(),
	}
	return infra.NewRetryRunner(string(original.Channel)).Run(ctx, func(ctx context.Context) error {
		return outbound.Send(ctx, out)
	})
}

// mergeBatch concatenates a drained batch's texts into the
// "[Message 1]: ... [Message 2]: ..." payload the spec calls for, reusing
// the most recently queued message's envelope (metadata, channel IDs) so
// the merged run still addresses the right chat.
func mergeBatch(batch []*models.Message) *models.Message {
	if len(batch) == 1 {
		return batch[0]
	}
	var sb strings.Builder
	for i, m := range batch {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Message %d]: %s", i+1, m.Content)
	}
	merged := *batch[len(batch)-1]
	merged.ID = uuid.NewString()
	merged.Content = sb.String()
	return &merged
}

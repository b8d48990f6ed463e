package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/runner"
	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/pkg/models"
)

// IsolatedConfig is what one sandboxed invocation needs that the
// in-process loop would otherwise get from its own construction: the
// provider credentials and prompt defaults. The API key travels only via
// the child's stdin.
type IsolatedConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	HistoryLimit int
}

// IsolatedAgent runs a conversation turn inside the Container Runner's
// sandbox instead of the in-process agent loop. Tool use is unavailable
// in the sandbox; conversations that need isolation trade tools for the
// stronger boundary.
type IsolatedAgent struct {
	runner   *runner.Runner
	branches sessions.BranchStore
	cfg      IsolatedConfig
}

// NewIsolatedAgent wires the sandbox path.
func NewIsolatedAgent(r *runner.Runner, branches sessions.BranchStore, cfg IsolatedConfig) *IsolatedAgent {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &IsolatedAgent{runner: r, branches: branches, cfg: cfg}
}

// Run persists the inbound message, ships the branch history through the
// sandboxed agent, persists the reply, and returns the text with its
// token accounting.
func (ia *IsolatedAgent) Run(ctx context.Context, session *models.Session, msg *models.Message) (string, *agent.RunUsage, error) {
	branch, err := ia.branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		return "", nil, fmt.Errorf("isolated: ensure branch: %w", err)
	}
	branchID := branch.ID
	if msg.BranchID != "" {
		branchID = msg.BranchID
	}
	msg.BranchID = branchID
	if err := ia.branches.AppendMessageToBranch(ctx, session.ID, branchID, msg); err != nil {
		return "", nil, fmt.Errorf("isolated: persist inbound: %w", err)
	}

	history, err := ia.branches.GetBranchHistory(ctx, branchID, ia.cfg.HistoryLimit)
	if err != nil {
		return "", nil, fmt.Errorf("isolated: branch history: %w", err)
	}

	messages := make([]runner.Message, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
			messages = append(messages, runner.Message{Role: string(m.Role), Content: m.Content})
		}
	}

	channel := msg.Channel
	if channel == "" {
		channel = session.Channel
	}
	result, err := ia.runner.RunInContainer(ctx, &runner.Input{
		APIKey:       ia.cfg.APIKey,
		Model:        ia.cfg.Model,
		MaxTokens:    ia.cfg.MaxTokens,
		SystemPrompt: agent.ComposeSystemPrompt(ia.cfg.SystemPrompt, channel, ""),
		Messages:     messages,
	})
	if err != nil {
		return "", nil, err
	}

	reply := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		BranchID:  branchID,
		Channel:   session.Channel,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   result.Content,
		CreatedAt: time.Now(),
	}
	if err := ia.branches.AppendMessageToBranch(ctx, session.ID, branchID, reply); err != nil {
		return "", nil, fmt.Errorf("isolated: persist reply: %w", err)
	}

	return result.Content, &agent.RunUsage{
		Model:        ia.cfg.Model,
		InputTokens:  int64(result.InputTokens),
		OutputTokens: int64(result.OutputTokens),
	}, nil
}

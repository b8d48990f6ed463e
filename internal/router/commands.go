package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/loopgateway/loopgw/internal/bus"
	"github.com/loopgateway/loopgw/pkg/models"
)

// command identifies one of the in-band slash commands the router
// short-circuits before a message ever reaches the processing queue.
type command string

const (
	commandApprove command = "approve"
	commandReject  command = "reject"
	commandReset   command = "reset"
	commandStatus  command = "status"
)

// parseSlashCommand splits a message's text into a command and its
// remaining argument string. Only the four commands the router understands
// are recognized; anything else (including plain "/foo") is not a command
// and falls through to the normal conversation path.
func parseSlashCommand(text string) (cmd command, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	fields := strings.SplitN(trimmed[1:], " ", 2)
	name := strings.ToLower(fields[0])
	rest := ""
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	switch command(name) {
	case commandApprove, commandReject, commandReset, commandStatus:
		return command(name), rest, true
	default:
		return "", "", false
	}
}

// handleCommand executes a short-circuited slash command and replies on the
// adapter the message arrived on. It never touches the processing queue.
func (r *Router) handleCommand(ctx context.Context, cmd command, args string, msg *models.Message) error {
	switch cmd {
	case commandApprove:
		return r.handleApprovalCommand(ctx, msg, args, true)
	case commandReject:
		return r.handleApprovalCommand(ctx, msg, args, false)
	case commandReset:
		return r.handleReset(ctx, msg)
	case commandStatus:
		return r.handleStatus(ctx, msg)
	default:
		return fmt.Errorf("router: unrecognized command %q", cmd)
	}
}

func (r *Router) handleApprovalCommand(ctx context.Context, msg *models.Message, args string, approve bool) error {
	fields := strings.SplitN(args, " ", 2)
	requestID := strings.TrimSpace(fields[0])
	reason := ""
	if len(fields) > 1 {
		reason = strings.TrimSpace(fields[1])
	}
	if requestID == "" {
		return r.reply(ctx, msg, "usage: /approve <id> [reason] (or /reject)")
	}

	sender := senderID(msg)
	decidedBy := sender
	if reason != "" {
		decidedBy = fmt.Sprintf("%s (%s)", sender, reason)
	}

	var err error
	verb := "approved"
	if approve {
		err = r.approvals.Approve(ctx, requestID, decidedBy)
	} else {
		verb = "rejected"
		err = r.approvals.Deny(ctx, requestID, decidedBy)
	}
	if err != nil {
		r.logger.Error("approval decision failed", "request_id", requestID, "approve", approve, "error", err)
		return r.reply(ctx, msg, fmt.Sprintf("could not record decision for %s: %v", requestID, err))
	}
	r.publish(bus.TopicApproval, verb, map[string]any{"approval_id": requestID, "decided_by": sender})
	return r.reply(ctx, msg, fmt.Sprintf("request %s %s", requestID, verb))
}

func (r *Router) handleReset(ctx context.Context, msg *models.Message) error {
	session, err := r.getOrCreateConversation(ctx, msg.Channel, conversationKey(msg), "")
	if err != nil {
		r.logger.Error("reset: resolve conversation failed", "error", err)
		return r.reply(ctx, msg, "could not reset this conversation")
	}
	cleared, err := r.branches.ResetPrimaryBranch(ctx, session.ID)
	if err != nil {
		r.logger.Error("reset: clear branch failed", "session_id", session.ID, "error", err)
		return r.reply(ctx, msg, "could not reset this conversation")
	}
	return r.reply(ctx, msg, fmt.Sprintf("conversation reset. cleared %d message(s).", cleared))
}

func (r *Router) handleStatus(ctx context.Context, msg *models.Message) error {
	session, err := r.getOrCreateConversation(ctx, msg.Channel, conversationKey(msg), "")
	if err != nil {
		r.logger.Error("status: resolve conversation failed", "error", err)
		return r.reply(ctx, msg, "could not determine status for this conversation")
	}
	primary, err := r.branches.GetPrimaryBranch(ctx, session.ID)
	if err != nil {
		return r.reply(ctx, msg, "this conversation has no messages yet.")
	}
	stats, err := r.branches.GetBranchStats(ctx, primary.ID)
	if err != nil {
		r.logger.Error("status: branch stats failed", "session_id", session.ID, "error", err)
		return r.reply(ctx, msg, "could not determine status for this conversation")
	}
	return r.reply(ctx, msg, fmt.Sprintf("%d message(s) in this conversation.", stats.TotalMessages))
}

// senderID extracts a human-readable identity for the message author from
// whatever metadata the originating adapter attached; falls back to a
// generic label when none is present.
func senderID(msg *models.Message) string {
	if msg.Metadata != nil {
		for _, key := range []string{"sender_id", "user_id", "from", "sender_name"} {
			if v, ok := msg.Metadata[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return "unknown"
}

package models

import "time"

// RunStatus is the lifecycle state of one agent run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// AgentRun records one invocation of the agent loop for one user message,
// including its token totals and terminal state.
type AgentRun struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	InputMessageID string    `json:"input_message_id"`
	Status         RunStatus `json:"status"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// APICall is one logged LLM call for the usage/budget ledger.
type APICall struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Isolated     bool      `json:"isolated,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

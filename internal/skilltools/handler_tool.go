package skilltools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loopgateway/loopgw/internal/agent"
)

// handlerRequest is the fixed JSON convention written to a skill handler's
// stdin: the raw tool-call parameters, nothing else.
type handlerRequest struct {
	Input json.RawMessage `json:"input"`
}

// handlerResponse is the fixed JSON convention read back from a skill
// handler's stdout.
type handlerResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// HandlerTool adapts one skill manifest into a callable agent.Tool by
// shelling out to its handler executable for every invocation.
type HandlerTool struct {
	entry   *Entry
	timeout time.Duration
	logger  *slog.Logger
	schema  *jsonschema.Schema
}

// NewHandlerTool compiles entry's input_schema (if any) and returns a Tool
// that executes entry.Manifest.Handler as a subprocess on each call.
func NewHandlerTool(entry *Entry, timeout time.Duration, logger *slog.Logger) (*HandlerTool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ht := &HandlerTool{entry: entry, timeout: timeout, logger: logger.With("skill", entry.Manifest.Name)}

	if len(entry.Manifest.InputSchema) > 0 {
		schemaURL := entry.Manifest.Name + ".input_schema.json"
		schema, err := jsonschema.CompileString(schemaURL, string(entry.Manifest.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("skilltools: compile schema for %q: %w", entry.Manifest.Name, err)
		}
		ht.schema = schema
	}
	return ht, nil
}

func (h *HandlerTool) Name() string { return h.entry.Manifest.Name }

func (h *HandlerTool) Description() string { return h.entry.Manifest.Description }

func (h *HandlerTool) Schema() json.RawMessage { return h.entry.Manifest.InputSchema }

// Execute validates params against the compiled schema (when present) and,
// on success, runs the handler as a subprocess with params passed via
// stdin. Validation failures are returned as an error tool_result rather
// than a Go error, per the gateway's tool-call convention.
func (h *HandlerTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if h.schema != nil {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid input: %s", err), IsError: true}, nil
		}
		if err := h.schema.Validate(v); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid input: %s", err), IsError: true}, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := json.Marshal(handlerRequest{Input: params})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("marshal handler request: %s", err), IsError: true}, nil
	}

	cmd := exec.CommandContext(runCtx, h.entry.Manifest.HandlerPath(h.entry.Dir))
	cmd.Dir = h.entry.Dir
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		h.logger.Warn("handler exec failed", "error", err, "stderr", stderr.String())
		if runCtx.Err() != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("skill %q timed out after %s", h.Name(), h.timeout), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("skill %q failed: %s", h.Name(), tail(stderr.Bytes())), IsError: true}, nil
	}

	var resp handlerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("skill %q returned malformed output: %s", h.Name(), err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: resp.Content, IsError: resp.IsError}, nil
}

func tail(b []byte) string {
	const max = 2 << 10
	if len(b) <= max {
		return string(b)
	}
	return string(b[len(b)-max:])
}

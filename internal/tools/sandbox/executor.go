// Package sandbox provides the run_script built-in tool: script execution
// in a throwaway Docker container with no network, a read-only root, and
// CPU/memory caps. It is the default high-risk tool the HITL approval
// flow gates.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/agent"
)

// WorkspaceAccessMode controls how the shared workspace is mounted.
type WorkspaceAccessMode string

const (
	// WorkspaceNone mounts no workspace (most secure, the default).
	WorkspaceNone WorkspaceAccessMode = "none"

	// WorkspaceReadOnly mounts the workspace read-only.
	WorkspaceReadOnly WorkspaceAccessMode = "ro"

	// WorkspaceReadWrite mounts the workspace writable.
	WorkspaceReadWrite WorkspaceAccessMode = "rw"
)

// Config tunes the sandbox.
type Config struct {
	// DockerBin is the docker-compatible CLI. Defaults to "docker".
	DockerBin string

	// DefaultTimeout bounds one execution. Defaults to 30s.
	DefaultTimeout time.Duration

	// CPULimit is in millicores (1000 = one core).
	CPULimit int

	// MemoryLimitMB caps container memory.
	MemoryLimitMB int

	// WorkspaceRoot, when set with a non-none access mode, is mounted at
	// /workspace inside the container.
	WorkspaceRoot   string
	WorkspaceAccess WorkspaceAccessMode
}

func (c *Config) setDefaults() {
	if c.DockerBin == "" {
		c.DockerBin = "docker"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 1000
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 512
	}
	if c.WorkspaceAccess == "" {
		c.WorkspaceAccess = WorkspaceNone
	}
}

// languageRuntimes maps a language to its container image and the command
// that runs the staged script file.
var languageRuntimes = map[string]struct {
	image string
	run   []string
}{
	"python": {"python:3.12-alpine", []string{"python", "/sandbox/main.py"}},
	"node":   {"node:22-alpine", []string{"node", "/sandbox/main.js"}},
	"bash":   {"bash:5", []string{"bash", "/sandbox/main.sh"}},
	"go":     {"golang:1.24-alpine", []string{"go", "run", "/sandbox/main.go"}},
}

func scriptFilename(language string) string {
	switch language {
	case "python":
		return "main.py"
	case "node":
		return "main.js"
	case "go":
		return "main.go"
	default:
		return "main.sh"
	}
}

// ExecuteParams is the tool's input.
type ExecuteParams struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
	// TimeoutSeconds overrides the default, capped at 120.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ExecuteResult is what one run produced.
type ExecuteResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Executor implements agent.Tool for sandboxed script execution.
type Executor struct {
	cfg Config
}

// NewExecutor creates the tool.
func NewExecutor(cfg Config) *Executor {
	cfg.setDefaults()
	return &Executor{cfg: cfg}
}

func (e *Executor) Name() string { return "run_script" }

func (e *Executor) Description() string {
	return "Run a script in an isolated sandbox. Supports python, node, bash, and go. " +
		"No network access; output is the script's stdout and stderr."
}

func (e *Executor) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"language": {
				"type": "string",
				"enum": ["python", "node", "bash", "go"],
				"description": "Script language"
			},
			"code": {
				"type": "string",
				"description": "The script source to execute"
			},
			"stdin": {
				"type": "string",
				"description": "Optional input piped to the script"
			},
			"timeout_seconds": {
				"type": "integer",
				"description": "Optional timeout override, max 120"
			}
		},
		"required": ["language", "code"]
	}`)
}

// Execute validates params, runs the script, and returns the formatted
// output. Validation failures come back as isError tool results so the
// model can correct itself, never as Go errors.
func (e *Executor) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p ExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &agent.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	if _, ok := languageRuntimes[p.Language]; !ok {
		return &agent.ToolResult{
			Content: fmt.Sprintf("unsupported language %q: use python, node, bash, or go", p.Language),
			IsError: true,
		}, nil
	}
	if strings.TrimSpace(p.Code) == "" {
		return &agent.ToolResult{Content: "code is required", IsError: true}, nil
	}

	result, err := e.run(ctx, &p)
	if err != nil {
		return &agent.ToolResult{Content: "sandbox failure: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{
		Content: formatExecutionResult(result),
		IsError: result.ExitCode != 0 || result.TimedOut,
	}, nil
}

// run stages the script into a temp dir, mounts it read-only, and runs
// the language's container with the sandbox flags.
func (e *Executor) run(ctx context.Context, p *ExecuteParams) (*ExecuteResult, error) {
	runtime := languageRuntimes[p.Language]

	stage, err := os.MkdirTemp("", "loopgw-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("stage script: %w", err)
	}
	defer os.RemoveAll(stage)
	if err := os.WriteFile(filepath.Join(stage, scriptFilename(p.Language)), []byte(p.Code), 0o644); err != nil {
		return nil, fmt.Errorf("stage script: %w", err)
	}

	timeout := e.cfg.DefaultTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
		if timeout > 2*time.Minute {
			timeout = 2 * time.Minute
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.baseDockerArgs(stage)
	args = append(args, runtime.image)
	args = append(args, runtime.run...)

	cmd := exec.CommandContext(runCtx, e.cfg.DockerBin, args...)
	if p.Stdin != "" {
		cmd.Stdin = strings.NewReader(p.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	result := &ExecuteResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil && !result.TimedOut {
		return nil, err
	}
	return result, nil
}

// baseDockerArgs is the shared sandbox shape: ephemeral, read-only root,
// writable /tmp, no network, resource caps, the staged script read-only
// at /sandbox, and optionally the workspace.
func (e *Executor) baseDockerArgs(stage string) []string {
	args := []string{"run", "--rm", "-i",
		"--name", "loopgw-sandbox-" + uuid.NewString(),
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--memory", strconv.Itoa(e.cfg.MemoryLimitMB) + "m",
		"--cpus", fmt.Sprintf("%.2f", float64(e.cfg.CPULimit)/1000),
		"--workdir", "/sandbox",
		"-v", stage + ":/sandbox:ro",
	}
	if e.cfg.WorkspaceRoot != "" && e.cfg.WorkspaceAccess != WorkspaceNone {
		args = append(args, "-v", fmt.Sprintf("%s:/workspace:%s", e.cfg.WorkspaceRoot, e.cfg.WorkspaceAccess))
	}
	return args
}

// formatExecutionResult renders a run for the model: stdout first, stderr
// labeled, exit status only when it matters.
func formatExecutionResult(result *ExecuteResult) string {
	var sb strings.Builder
	if result.TimedOut {
		sb.WriteString("execution timed out\n")
	}
	if result.Stdout != "" {
		sb.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("stderr:\n")
		sb.WriteString(result.Stderr)
	}
	if result.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nexit code: %d", result.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return sb.String()
}

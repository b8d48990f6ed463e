package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExecuteRejectsBadInputInBand(t *testing.T) {
	e := NewExecutor(Config{})

	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"malformed json", `{"language": `, "invalid parameters"},
		{"unknown language", `{"language":"ruby","code":"puts 1"}`, "unsupported language"},
		{"empty code", `{"language":"python","code":"  "}`, "code is required"},
	}
	for _, tt := range tests {
		res, err := e.Execute(context.Background(), json.RawMessage(tt.params))
		if err != nil {
			t.Fatalf("%s: validation must stay in-band, got Go error %v", tt.name, err)
		}
		if !res.IsError || !strings.Contains(res.Content, tt.want) {
			t.Fatalf("%s: result = %+v, want isError containing %q", tt.name, res, tt.want)
		}
	}
}

func TestFormatExecutionResult(t *testing.T) {
	got := formatExecutionResult(&ExecuteResult{Stdout: "hi\n"})
	if got != "hi\n" {
		t.Fatalf("stdout-only = %q", got)
	}

	got = formatExecutionResult(&ExecuteResult{Stderr: "boom", ExitCode: 2})
	if !strings.Contains(got, "stderr:\nboom") || !strings.Contains(got, "exit code: 2") {
		t.Fatalf("failure render = %q", got)
	}

	if got := formatExecutionResult(&ExecuteResult{}); got != "(no output)" {
		t.Fatalf("empty render = %q", got)
	}

	got = formatExecutionResult(&ExecuteResult{TimedOut: true, Duration: time.Second})
	if !strings.Contains(got, "timed out") {
		t.Fatalf("timeout render = %q", got)
	}
}

func TestBaseDockerArgsIsolation(t *testing.T) {
	e := NewExecutor(Config{MemoryLimitMB: 256, CPULimit: 500})
	args := strings.Join(e.baseDockerArgs("/tmp/stage"), " ")

	for _, want := range []string{"--network none", "--read-only", "--memory 256m", "--cpus 0.50", "/tmp/stage:/sandbox:ro"} {
		if !strings.Contains(args, want) {
			t.Errorf("docker args missing %q: %s", want, args)
		}
	}
	if strings.Contains(args, "/workspace") {
		t.Error("workspace mounted without a configured root")
	}
}

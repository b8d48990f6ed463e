package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeFakeDocker installs a shell script that stands in for the docker
// CLI: it ignores the run arguments, reads stdin like the sandboxed agent
// would, and prints whatever body the test wants between the sentinels.
func writeFakeDocker(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	script := "#!/bin/sh\ncat > /dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunInContainerParsesSentinelResult(t *testing.T) {
	bin := writeFakeDocker(t, `echo "boot noise"
echo "===AGENT_OUTPUT_START==="
echo '{"content":"hello","inputTokens":12,"outputTokens":7}'
echo "===AGENT_OUTPUT_END==="`)

	r := New(Config{Image: "agent:test", DockerBin: bin, Timeout: 5 * time.Second}, nil)
	res, err := r.RunInContainer(context.Background(), &Input{
		APIKey: "sk-test", Model: "m", MaxTokens: 100, SystemPrompt: "s",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("RunInContainer: %v", err)
	}
	if res.Content != "hello" || res.InputTokens != 12 || res.OutputTokens != 7 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunInContainerRejectsChildError(t *testing.T) {
	bin := writeFakeDocker(t, `echo "===AGENT_OUTPUT_START==="
echo '{"error":"model refused"}'
echo "===AGENT_OUTPUT_END==="`)

	r := New(Config{Image: "agent:test", DockerBin: bin, Timeout: 5 * time.Second}, nil)
	_, err := r.RunInContainer(context.Background(), &Input{APIKey: "k"})
	if err == nil || !strings.Contains(err.Error(), "model refused") {
		t.Fatalf("err = %v, want agent error carrying the child message", err)
	}
}

func TestRunInContainerRejectsMissingSentinels(t *testing.T) {
	bin := writeFakeDocker(t, `echo "no framing here"`)

	r := New(Config{Image: "agent:test", DockerBin: bin, Timeout: 5 * time.Second}, nil)
	_, err := r.RunInContainer(context.Background(), &Input{APIKey: "k"})
	if err == nil || !strings.Contains(err.Error(), "sentinel") {
		t.Fatalf("err = %v, want sentinel parse failure", err)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	bin := writeFakeDocker(t, `sleep 0.2
echo "===AGENT_OUTPUT_START==="
echo '{"content":"ok"}'
echo "===AGENT_OUTPUT_END==="`)

	r := New(Config{Image: "agent:test", DockerBin: bin, Timeout: 5 * time.Second, MaxConcurrent: 2}, nil)

	var wg sync.WaitGroup
	var peakMu sync.Mutex
	peak := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RunInContainer(context.Background(), &Input{APIKey: "k"}); err != nil {
				t.Errorf("RunInContainer: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		select {
		case <-done:
			if peak > 2 {
				t.Fatalf("observed %d active containers, cap is 2", peak)
			}
			return
		case <-time.After(10 * time.Millisecond):
			peakMu.Lock()
			if n := r.ActiveCount(); n > peak {
				peak = n
			}
			peakMu.Unlock()
		}
	}
}

func TestParseSentinelOutputMalformedJSON(t *testing.T) {
	stdout := []byte("===AGENT_OUTPUT_START===\nnot json\n===AGENT_OUTPUT_END===")
	if _, err := parseSentinelOutput(stdout, []byte("stderr tail")); err == nil {
		t.Fatal("want parse error for malformed JSON")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	if cfg.DockerBin != "docker" || cfg.MaxConcurrent != 3 || cfg.Timeout <= 0 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

package skilltools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/internal/agent"
)

func writeSkill(t *testing.T, root, name, handlerScript string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{
		"name": "` + name + `",
		"description": "test skill",
		"version": "0.0.1",
		"handler": "handler.sh",
		"input_schema": {"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}
	}`
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "handler.sh"), []byte(handlerScript), 0o755); err != nil {
		t.Fatalf("write handler: %v", err)
	}
}

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("handler scripts assume a POSIX shell")
	}
}

func TestLoaderScanFindsSkill(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()
	writeSkill(t, root, "echoer", "#!/bin/sh\necho '{\"content\":\"ok\"}'\n")

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	entries, err := loader.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Manifest.Name != "echoer" {
		t.Fatalf("unexpected name %q", entries[0].Manifest.Name)
	}
	if !entries[0].Enabled {
		t.Fatal("newly discovered skill should default to enabled")
	}
}

func TestHandlerToolExecuteRunsHandler(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()
	writeSkill(t, root, "echoer", "#!/bin/sh\nread -r body\necho '{\"content\":\"handled\"}'\n")

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	entries, err := loader.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tool, err := NewHandlerTool(entries[0], 5*time.Second, nil)
	if err != nil {
		t.Fatalf("NewHandlerTool: %v", err)
	}
	res, err := tool.Execute(context.Background(), []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "handled" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestHandlerToolExecuteRejectsInvalidInput(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()
	writeSkill(t, root, "echoer", "#!/bin/sh\necho '{\"content\":\"should not run\"}'\n")

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	entries, err := loader.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tool, err := NewHandlerTool(entries[0], 5*time.Second, nil)
	if err != nil {
		t.Fatalf("NewHandlerTool: %v", err)
	}
	res, err := tool.Execute(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected validation failure to surface as an error tool_result")
	}
}

func TestRegistryBuiltinWinsCollision(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, builtinDirName), 0o755); err != nil {
		t.Fatalf("mkdir builtin: %v", err)
	}
	writeSkill(t, filepath.Join(root, builtinDirName), "shared", "#!/bin/sh\necho '{\"content\":\"builtin\"}'\n")
	writeSkill(t, root, "shared", "#!/bin/sh\necho '{\"content\":\"user\"}'\n")

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	tools := agent.NewToolRegistry()
	reg := NewRegistry(loader, tools, time.Second, nil)
	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	tool, ok := tools.Get("shared")
	if !ok {
		t.Fatal("expected shared tool to be registered")
	}
	res, err := tool.Execute(context.Background(), []byte(`{"text":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "builtin" {
		t.Fatalf("expected builtin to win collision, got %q", res.Content)
	}
}

func TestCatalogNotInstalled(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()
	writeSkill(t, root, "installed", "#!/bin/sh\necho '{\"content\":\"ok\"}'\n")
	catalogJSON := `{"items":[{"name":"installed","description":"already here"},{"name":"weather","description":"fetch forecasts"}]}`
	if err := os.WriteFile(filepath.Join(root, "catalog.json"), []byte(catalogJSON), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	tools := agent.NewToolRegistry()
	reg := NewRegistry(loader, tools, time.Second, nil)
	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	remaining := catalog.NotInstalled(reg)
	if len(remaining) != 1 || remaining[0].Name != "weather" {
		t.Fatalf("expected only 'weather' left, got %+v", remaining)
	}
}

func TestSuggestSkillInstallsFromCatalog(t *testing.T) {
	skipIfWindows(t)
	root := t.TempDir()

	// The bundle lives under _catalog, outside the loader's scan.
	writeSkill(t, filepath.Join(root, "_catalog"), "weather", "#!/bin/sh\necho '{\"content\":\"sunny\"}'\n")
	catalogJSON := `{"items":[{"name":"weather","description":"fetch forecasts","required_env":["WEATHER_API_KEY"]}]}`
	if err := os.WriteFile(filepath.Join(root, "catalog.json"), []byte(catalogJSON), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	loader, err := NewLoader(root, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	tools := agent.NewToolRegistry()
	reg := NewRegistry(loader, tools, time.Second, nil)
	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := reg.Entry("weather"); ok {
		t.Fatal("bundle under _catalog must not be scanned as an installed skill")
	}

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	suggest, err := NewSuggestSkillTool(reg, catalog)
	if err != nil {
		t.Fatalf("NewSuggestSkillTool: %v", err)
	}

	res, err := suggest.Execute(context.Background(), []byte(`{"name":"weather","reason":"forecast request"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("install failed: %s", res.Content)
	}

	// The skill is now installed, registered, and out of the addendum.
	if _, ok := reg.Entry("weather"); !ok {
		t.Fatal("catalog install did not create a registry entry")
	}
	if _, ok := tools.Get("weather"); !ok {
		t.Fatal("catalog install did not hot-register the handler")
	}
	if addendum := catalog.SystemPromptAddendum(reg); addendum != "" {
		t.Fatalf("installed skill still listed in addendum: %q", addendum)
	}
}

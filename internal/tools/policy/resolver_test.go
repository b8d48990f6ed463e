package policy

import (
	"testing"
)

func TestDenyAlwaysWins(t *testing.T) {
	r := NewResolver()
	p := &Policy{Profile: ProfileFull, Deny: []string{"run_script"}}

	if r.IsAllowed(p, "run_script") {
		t.Fatal("denied tool allowed under full profile")
	}
	if !r.IsAllowed(p, "web_search") {
		t.Fatal("undenied tool blocked under full profile")
	}
}

func TestStandardProfileAllowsLoadedSkills(t *testing.T) {
	r := NewResolver()
	r.RegisterSkills([]string{"summarize", "translate"})
	p := &Policy{Profile: ProfileStandard}

	if !r.IsAllowed(p, "summarize") || !r.IsAllowed(p, "suggest_skill") {
		t.Fatal("standard profile should allow loaded skills and the catalog tool")
	}
	if r.IsAllowed(p, "mcp:github.create_issue") {
		t.Fatal("standard profile should not allow MCP tools implicitly")
	}
}

func TestMCPServerWildcard(t *testing.T) {
	r := NewResolver()
	r.RegisterMCPServer("github", []string{"create_issue", "list_repos"})
	p := &Policy{Allow: []string{"mcp:github.*"}}

	if !r.IsAllowed(p, "mcp:github.create_issue") {
		t.Fatal("server wildcard did not match the server's tool")
	}
	if r.IsAllowed(p, "mcp:jira.create_ticket") {
		t.Fatal("server wildcard leaked to another server")
	}

	r.UnregisterMCPServer("github")
	if r.IsAllowed(p, "mcp:github.create_issue") {
		t.Fatal("unregistered server's tools still allowed via group expansion")
	}
}

func TestAliasResolution(t *testing.T) {
	r := NewResolver()
	r.RegisterAlias("mcp_github_create_issue", "mcp:github.create_issue")
	p := &Policy{Allow: []string{"mcp:github.create_issue"}}

	if !r.IsAllowed(p, "mcp_github_create_issue") {
		t.Fatal("registry-prefixed alias did not resolve to the canonical name")
	}
}

func TestProviderScopedOverride(t *testing.T) {
	r := NewResolver()
	r.RegisterMCPServer("github", []string{"create_issue"})
	p := &Policy{
		Profile: ProfileFull,
		ByProvider: map[string]*Policy{
			"mcp:github": {Deny: []string{"mcp:github.*"}},
		},
	}

	if r.IsAllowed(p, "mcp:github.create_issue") {
		t.Fatal("provider-scoped deny ignored")
	}
	if !r.IsAllowed(p, "run_script") {
		t.Fatal("builtin tool affected by another provider's override")
	}
}

func TestNormalizeToolAliases(t *testing.T) {
	if got := NormalizeTool("  Run-Script "); got != "run_script" {
		t.Fatalf("NormalizeTool = %q", got)
	}
}

func TestMergeAccumulates(t *testing.T) {
	merged := Merge(
		&Policy{Profile: ProfileMinimal, Allow: []string{"a"}},
		&Policy{Profile: ProfileFull, Deny: []string{"b"}},
	)
	if merged.Profile != ProfileFull || len(merged.Allow) != 1 || len(merged.Deny) != 1 {
		t.Fatalf("merged = %+v", merged)
	}
}

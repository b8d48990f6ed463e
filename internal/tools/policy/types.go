// Package policy decides which tools a conversation's agent may call. A
// Policy combines a base profile with explicit allow/deny lists; the
// Resolver expands group references and MCP wildcards and answers
// per-tool decisions. Deny always wins.
package policy

import (
	"strings"
)

// Profile is a pre-configured access level.
type Profile string

const (
	// ProfileMinimal allows only the status tool.
	ProfileMinimal Profile = "minimal"

	// ProfileStandard allows installed skills plus the skill catalog's
	// suggest flow. This is the default for chat conversations.
	ProfileStandard Profile = "standard"

	// ProfileFull allows every registered tool not explicitly denied,
	// including all MCP-bridged tools.
	ProfileFull Profile = "full"
)

// Policy defines tool access rules. Deny rules take precedence over allow
// rules; an empty policy denies everything except what the profile grants.
type Policy struct {
	// Profile is the base access level.
	Profile Profile `json:"profile,omitempty" yaml:"profile"`

	// Allow lists tools, groups ("group:skills"), or wildcards
	// ("mcp:github.*") granted in addition to the profile.
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny lists tools removed regardless of profile or Allow.
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// ByProvider scopes extra rules to a tool provider: "mcp:<server>"
	// for bridged tools, "builtin" for everything local.
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// DefaultGroups are the built-in group names policies may reference.
// group:skills and group:mcp start empty and are populated at runtime as
// the skill registry loads and MCP servers connect.
var DefaultGroups = map[string][]string{
	"group:skills": {},
	"group:mcp":    {},
	"group:catalog": {
		"suggest_skill",
	},
}

// ProfileDefaults maps each profile to its implied allow list.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {
		Allow: []string{"status"},
	},
	ProfileStandard: {
		Allow: []string{"group:skills", "group:catalog", "status"},
	},
	ProfileFull: {
		// Everything not denied.
	},
}

// ToolAliases maps alternative spellings to canonical tool names, so a
// policy written against "run-script" still matches the registered
// "run_script" skill.
var ToolAliases = map[string]string{
	"run-script":    "run_script",
	"shell":         "run_script",
	"suggest-skill": "suggest_skill",
	"web-search":    "web_search",
	"web-fetch":     "web_fetch",
}

// NormalizeTool lowercases, trims, and resolves aliases for a tool name.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes each name, dropping empties.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if normalized := NormalizeTool(name); normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}

// NewPolicy creates a policy with the given base profile.
func NewPolicy(profile Profile) *Policy {
	return &Policy{Profile: profile}
}

// WithAllow appends to the allow list, returning p for chaining.
func (p *Policy) WithAllow(tools ...string) *Policy {
	p.Allow = append(p.Allow, tools...)
	return p
}

// WithDeny appends to the deny list, returning p for chaining.
func (p *Policy) WithDeny(tools ...string) *Policy {
	p.Deny = append(p.Deny, tools...)
	return p
}

// Merge combines policies: the last non-empty profile wins, allow/deny
// lists accumulate, and later ByProvider entries replace earlier ones.
func Merge(policies ...*Policy) *Policy {
	result := &Policy{}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if p.Profile != "" {
			result.Profile = p.Profile
		}
		result.Allow = append(result.Allow, p.Allow...)
		result.Deny = append(result.Deny, p.Deny...)
		if len(p.ByProvider) > 0 {
			if result.ByProvider == nil {
				result.ByProvider = make(map[string]*Policy)
			}
			for key, sub := range p.ByProvider {
				result.ByProvider[key] = sub
			}
		}
	}
	return result
}

package policy

import (
	"strings"
	"sync"
)

// Resolver answers per-tool allow/deny decisions for a Policy. It holds
// the runtime state a decision needs: group membership (populated as
// skills load and MCP servers connect) and name aliases (registered by the
// MCP bridge, mapping its prefixed names back to canonical mcp:<server>.
// <tool> references that policies are written against).
type Resolver struct {
	mu         sync.RWMutex
	groups     map[string][]string
	mcpServers map[string][]string // serverID -> tool names
	aliases    map[string]string   // alias -> canonical tool name
}

// Decision records the outcome for a tool with the rule that caused it.
type Decision struct {
	Allowed bool
	Tool    string
	Reason  string
}

// NewResolver creates a resolver seeded with the default groups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(DefaultGroups))
	for name, tools := range DefaultGroups {
		groups[name] = append([]string(nil), tools...)
	}
	return &Resolver{
		groups:     groups,
		mcpServers: make(map[string][]string),
		aliases:    make(map[string]string),
	}
}

// AddGroup defines (or replaces) a named group for policy references.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = tools
}

// RegisterSkills records the currently loaded skill names so
// "group:skills" expands to them.
func (r *Resolver) RegisterSkills(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups["group:skills"] = NormalizeTools(names)
}

// RegisterMCPServer records a connected server's tools, making
// "mcp:<server>.*" and the group "mcp:<server>" resolvable.
func (r *Resolver) RegisterMCPServer(serverID string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpServers[serverID] = tools
	r.groups["mcp:"+serverID] = tools
}

// UnregisterMCPServer drops a stopped server's tools from resolution.
func (r *Resolver) UnregisterMCPServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mcpServers, serverID)
	delete(r.groups, "mcp:"+serverID)
}

// RegisterAlias maps an alternative name to a canonical tool name. The
// MCP bridge uses this to connect its registry names
// (mcp_<sanitized>_<tool>) to the mcp:<server>.<tool> form policies use.
func (r *Resolver) RegisterAlias(alias string, canonical string) {
	alias = NormalizeTool(alias)
	canonical = NormalizeTool(canonical)
	if alias == "" || canonical == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// CanonicalName resolves name through the alias table.
func (r *Resolver) CanonicalName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalNameLocked(name)
}

func (r *Resolver) canonicalNameLocked(name string) string {
	normalized := NormalizeTool(name)
	if canonical, ok := r.aliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// ExpandGroups expands group references and mcp:<server>.* wildcards in a
// rule list into concrete tool names, deduplicated, preserving order.
func (r *Resolver) ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	r.mu.RLock()
	defer r.mu.RUnlock()

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}

	for _, item := range items {
		normalized := r.canonicalNameLocked(item)

		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				add(tool)
			}
			continue
		}

		if strings.HasPrefix(normalized, "mcp:") && strings.HasSuffix(normalized, ".*") {
			serverID := strings.TrimSuffix(strings.TrimPrefix(normalized, "mcp:"), ".*")
			for _, tool := range r.mcpServers[serverID] {
				add("mcp:" + serverID + "." + tool)
			}
			continue
		}

		add(normalized)
	}
	return result
}

// IsAllowed reports whether the policy permits toolName.
func (r *Resolver) IsAllowed(policy *Policy, toolName string) bool {
	return r.Decide(policy, toolName).Allowed
}

// Decide evaluates policy for toolName, returning the rule that decided.
// Evaluation order: provider-scoped override merge, deny rules, full
// profile, then allow rules.
func (r *Resolver) Decide(policy *Policy, toolName string) Decision {
	normalized := r.CanonicalName(toolName)
	decision := Decision{Allowed: false, Tool: normalized, Reason: "no matching allow rule"}

	if policy == nil {
		decision.Reason = "no policy configured"
		return decision
	}
	policy = r.effectivePolicyForTool(policy, normalized)

	var allowed []string
	if policy.Profile != "" {
		if profilePolicy, ok := ProfileDefaults[policy.Profile]; ok && profilePolicy != nil {
			allowed = r.ExpandGroups(profilePolicy.Allow)
		}
	}
	if len(policy.Allow) > 0 {
		allowed = append(allowed, r.ExpandGroups(policy.Allow)...)
	}

	for _, d := range r.ExpandGroups(policy.Deny) {
		if d == normalized || matchToolPattern(d, normalized) {
			decision.Reason = "denied by rule: " + d
			return decision
		}
	}

	if policy.Profile == ProfileFull {
		decision.Allowed = true
		decision.Reason = "allowed by profile full"
		return decision
	}

	for _, a := range allowed {
		if a == normalized || matchToolPattern(a, normalized) {
			decision.Allowed = true
			decision.Reason = "allowed by rule: " + a
			return decision
		}
	}
	return decision
}

// effectivePolicyForTool merges a provider-scoped override (if one
// matches toolName's provider) over the base policy.
func (r *Resolver) effectivePolicyForTool(policy *Policy, toolName string) *Policy {
	if len(policy.ByProvider) == 0 {
		return policy
	}
	providerPolicy, ok := policy.ByProvider[toolProviderKey(toolName)]
	if !ok || providerPolicy == nil {
		return policy
	}

	base := *policy
	base.ByProvider = nil
	override := *providerPolicy
	override.ByProvider = nil
	return Merge(&base, &override)
}

// toolProviderKey classifies a tool name by provider: "mcp:<server>" for
// bridged tools, "builtin" for everything local.
func toolProviderKey(toolName string) string {
	normalized := NormalizeTool(toolName)
	if strings.HasPrefix(normalized, "mcp:") {
		trimmed := strings.TrimPrefix(normalized, "mcp:")
		if server, _, ok := strings.Cut(trimmed, "."); ok && server != "" {
			return "mcp:" + server
		}
		if trimmed != "" {
			return "mcp:" + trimmed
		}
		return "mcp"
	}
	return "builtin"
}

// matchToolPattern matches a policy pattern against a tool name:
//   - "*" matches everything
//   - "mcp:*" matches every bridged tool
//   - "mcp:<server>.*" matches one server's tools
//   - anything else is an exact match
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

// FilterAllowed keeps only the tools the policy permits.
func (r *Resolver) FilterAllowed(policy *Policy, tools []string) []string {
	var result []string
	for _, tool := range tools {
		if r.IsAllowed(policy, tool) {
			result = append(result, tool)
		}
	}
	return result
}

// GetAllowed returns the expanded allow list including profile defaults.
func (r *Resolver) GetAllowed(policy *Policy) []string {
	var allowed []string
	if policy.Profile != "" {
		if profilePolicy, ok := ProfileDefaults[policy.Profile]; ok && profilePolicy != nil {
			allowed = r.ExpandGroups(profilePolicy.Allow)
		}
	}
	if len(policy.Allow) > 0 {
		allowed = append(allowed, r.ExpandGroups(policy.Allow)...)
	}
	return allowed
}

// GetDenied returns the expanded deny list.
func (r *Resolver) GetDenied(policy *Policy) []string {
	return r.ExpandGroups(policy.Deny)
}

package skilltools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/loopgateway/loopgw/internal/agent"
)

// catalogBundleDir is the reserved subdirectory under the skills root
// holding installable bundles for catalog entries. It carries no
// skill.json of its own, so the loader's root scan never treats it as a
// skill.
const catalogBundleDir = "_catalog"

// CatalogItem describes a skill the gateway knows how to install but that
// is not currently in the registry, so the model can suggest it by name
// via SuggestSkillTool without needing its schema loaded up front.
type CatalogItem struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RequiredEnv []string `json:"required_env,omitempty"`
	// Dir is the bundle directory (skill.json + handler) relative to the
	// skills root. Empty means _catalog/<sanitized-name>.
	Dir string `json:"dir,omitempty"`
}

// Catalog is an operator-curated list of known-but-not-installed skills,
// loaded from catalog.json at the skills root. Each entry may carry an
// installable bundle the suggest flow copies into the live skills tree on
// approval.
type Catalog struct {
	Items []CatalogItem `json:"items"`

	root string
}

// LoadCatalog reads catalog.json from root. A missing file yields an empty
// catalog rather than an error.
func LoadCatalog(root string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(root, "catalog.json"))
	if os.IsNotExist(err) {
		return &Catalog{root: root}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("skilltools: read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("skilltools: parse catalog: %w", err)
	}
	c.root = root
	return &c, nil
}

// Item looks up a catalog entry by name.
func (c *Catalog) Item(name string) (CatalogItem, bool) {
	for _, item := range c.Items {
		if item.Name == name {
			return item, true
		}
	}
	return CatalogItem{}, false
}

// BundleDir resolves the on-disk bundle directory for an entry.
func (c *Catalog) BundleDir(item CatalogItem) string {
	if item.Dir != "" {
		return filepath.Join(c.root, item.Dir)
	}
	return filepath.Join(c.root, catalogBundleDir, sanitizeDirName(item.Name))
}

// NotInstalled filters the catalog down to entries the registry has not
// already loaded a manifest for.
func (c *Catalog) NotInstalled(reg *Registry) []CatalogItem {
	installed := make(map[string]bool)
	for _, name := range reg.Names() {
		installed[name] = true
	}
	var out []CatalogItem
	for _, item := range c.Items {
		if !installed[item.Name] {
			out = append(out, item)
		}
	}
	return out
}

// SystemPromptAddendum renders a short, model-readable listing of
// catalog skills not yet installed, so the agent knows what it can ask to
// have activated via suggest_skill.
func (c *Catalog) SystemPromptAddendum(reg *Registry) string {
	items := c.NotInstalled(reg)
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Additional skills are available but not yet enabled. Call suggest_skill with one of these names if it would help:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- %s: %s\n", item.Name, item.Description)
	}
	return b.String()
}

// suggestSkillParams is the input shape for SuggestSkillTool, reflected
// into a JSON schema at construction time rather than hand-written.
type suggestSkillParams struct {
	Name   string `json:"name" jsonschema:"required,description=Name of the skill to enable"`
	Reason string `json:"reason" jsonschema:"description=Why this skill is needed for the current task"`
}

// SuggestSkillTool is a built-in tool (registered via RegisterBuiltin, so
// it can never be shadowed) that lets the model request activation of a
// known-but-disabled skill, or installation of a catalog entry that is
// not on disk yet. The gate on whether this proceeds without human
// confirmation belongs to the caller's HITL approval policy; this tool
// only performs the work once invoked.
type SuggestSkillTool struct {
	registry *Registry
	catalog  *Catalog
	schema   json.RawMessage
}

// NewSuggestSkillTool builds the tool and derives its JSON schema from
// suggestSkillParams via reflection. catalog may be nil, which limits the
// tool to re-activating already-installed skills.
func NewSuggestSkillTool(registry *Registry, catalog *Catalog) (*SuggestSkillTool, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(&suggestSkillParams{})
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("skilltools: reflect suggest_skill schema: %w", err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, fmt.Errorf("skilltools: decode suggest_skill schema: %w", err)
	}
	delete(schemaMap, "$schema")
	delete(schemaMap, "$id")
	data, err = json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("skilltools: re-marshal suggest_skill schema: %w", err)
	}
	return &SuggestSkillTool{registry: registry, catalog: catalog, schema: data}, nil
}

func (t *SuggestSkillTool) Name() string { return "suggest_skill" }

func (t *SuggestSkillTool) Description() string {
	return "Activate a known but not-yet-enabled skill by name so it becomes callable."
}

func (t *SuggestSkillTool) Schema() json.RawMessage { return t.schema }

func (t *SuggestSkillTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p suggestSkillParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid input: %s", err), IsError: true}, nil
	}
	if strings.TrimSpace(p.Name) == "" {
		return &agent.ToolResult{Content: "invalid input: name is required", IsError: true}, nil
	}
	// Installed but disabled: just re-enable it.
	if _, ok := t.registry.Entry(p.Name); ok {
		if err := t.registry.Activate(ctx, p.Name); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("could not activate %q: %s", p.Name, err), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("skill %q is now enabled and callable", p.Name)}, nil
	}

	// Not installed: install from the catalog bundle and hot-register,
	// without a gateway restart.
	if t.catalog != nil {
		if item, ok := t.catalog.Item(p.Name); ok {
			if err := t.registry.InstallFromDir(ctx, t.catalog.BundleDir(item)); err != nil {
				return &agent.ToolResult{Content: fmt.Sprintf("could not install %q: %s", p.Name, err), IsError: true}, nil
			}
			note := ""
			if len(item.RequiredEnv) > 0 {
				note = fmt.Sprintf(" (requires env: %s)", strings.Join(item.RequiredEnv, ", "))
			}
			return &agent.ToolResult{Content: fmt.Sprintf("skill %q installed and callable%s", p.Name, note)}, nil
		}
	}
	return &agent.ToolResult{Content: fmt.Sprintf("no known skill named %q", p.Name), IsError: true}, nil
}

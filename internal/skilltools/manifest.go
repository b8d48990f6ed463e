// Package skilltools implements the on-disk, executable half of the
// Tool/Skill Registry: skill manifests loaded from a watched directory,
// bridged into the agent's callable-tool registry as out-of-process
// handlers invoked with a fixed JSON request/response convention.
//
// This is distinct from internal/skills, which manages markdown-content
// "skill" instructions injected into the system prompt; skilltools is the
// side that makes a skill a tool the LLM can actually call.
package skilltools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFilename is the per-skill-directory manifest file name.
const ManifestFilename = "skill.json"

// RegistryFilename is the root-level sibling file recording per-name
// enabled flags, independent of manifest content.
const RegistryFilename = "_registry.json"

// Manifest describes one skill directory's callable contract.
type Manifest struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Version             string          `json:"version"`
	InputSchema         json.RawMessage `json:"input_schema"`
	Handler             string          `json:"handler"`
	Sandbox             bool            `json:"sandbox,omitempty"`
	ContainerCompatible bool            `json:"container_compatible,omitempty"`
}

// Validate checks the manifest is well-formed and that handler exists
// relative to dir.
func (m *Manifest) Validate(dir string) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("skilltools: manifest in %s has no name", dir)
	}
	if strings.TrimSpace(m.Handler) == "" {
		return fmt.Errorf("skilltools: manifest %q has no handler", m.Name)
	}
	if len(m.InputSchema) == 0 {
		return fmt.Errorf("skilltools: manifest %q has no input_schema", m.Name)
	}
	var v any
	if err := json.Unmarshal(m.InputSchema, &v); err != nil {
		return fmt.Errorf("skilltools: manifest %q has invalid input_schema: %w", m.Name, err)
	}
	info, err := os.Stat(m.HandlerPath(dir))
	if err != nil {
		return fmt.Errorf("skilltools: manifest %q handler %q not found: %w", m.Name, m.Handler, err)
	}
	if info.IsDir() {
		return fmt.Errorf("skilltools: manifest %q handler %q is a directory", m.Name, m.Handler)
	}
	return nil
}

// HandlerPath resolves the handler artifact's absolute path within dir.
func (m *Manifest) HandlerPath(dir string) string {
	if filepath.IsAbs(m.Handler) {
		return m.Handler
	}
	return filepath.Join(dir, m.Handler)
}

// LoadManifest reads and decodes skill.json from dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("skilltools: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("skilltools: parse manifest in %s: %w", dir, err)
	}
	return &m, nil
}

func marshalManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("skilltools: marshal manifest %q: %w", m.Name, err)
	}
	return data, nil
}

// registryFlags is the decoded form of _registry.json.
type registryFlags struct {
	Enabled map[string]bool `json:"enabled"`
}

func loadRegistryFlags(root string) (registryFlags, error) {
	path := filepath.Join(root, RegistryFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return registryFlags{Enabled: map[string]bool{}}, nil
	}
	if err != nil {
		return registryFlags{}, fmt.Errorf("skilltools: read %s: %w", path, err)
	}
	var flags registryFlags
	if err := json.Unmarshal(data, &flags); err != nil {
		return registryFlags{}, fmt.Errorf("skilltools: parse %s: %w", path, err)
	}
	if flags.Enabled == nil {
		flags.Enabled = map[string]bool{}
	}
	return flags, nil
}

func saveRegistryFlags(root string, flags registryFlags) error {
	data, err := json.MarshalIndent(flags, "", "  ")
	if err != nil {
		return fmt.Errorf("skilltools: marshal registry: %w", err)
	}
	return os.WriteFile(filepath.Join(root, RegistryFilename), data, 0o644)
}

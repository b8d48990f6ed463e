package skilltools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loopgateway/loopgw/internal/agent"
)

// Registry bridges a Loader's on-disk skill directories into a live
// agent.ToolRegistry, and implements the suggest-then-activate flow: a
// skill the model references by name but that isn't yet loaded can be
// installed and hot-registered without restarting the gateway, gated by
// the caller's own HITL approval check.
type Registry struct {
	loader         *Loader
	tools          *agent.ToolRegistry
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry wires loader into tools. handlerTimeout bounds every skill
// handler invocation; zero uses HandlerTool's default.
func NewRegistry(loader *Loader, tools *agent.ToolRegistry, handlerTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:         loader,
		tools:          tools,
		handlerTimeout: handlerTimeout,
		logger:         logger.With("component", "skilltools_registry"),
		entries:        make(map[string]*Entry),
	}
}

// LoadAll scans the loader's root and registers every enabled entry found.
// Builtin-origin entries register as protected (RegisterBuiltin); everything
// else registers as RegisterUser, so a builtin always wins name collisions.
func (r *Registry) LoadAll(ctx context.Context) error {
	entries, err := r.loader.Scan(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.entries[e.Manifest.Name] = e
		if !e.Enabled {
			continue
		}
		if err := r.register(e); err != nil {
			r.logger.Warn("skip skill registration", "skill", e.Manifest.Name, "error", err)
		}
	}
	return nil
}

func (r *Registry) register(e *Entry) error {
	// A nil tool registry means the caller only wants directory state
	// (CLI listing); nothing executes, so nothing registers.
	if r.tools == nil {
		return nil
	}
	tool, err := NewHandlerTool(e, r.handlerTimeout, r.logger)
	if err != nil {
		return err
	}
	if e.Origin == OriginBuiltin {
		r.tools.RegisterBuiltin(tool)
	} else {
		r.tools.RegisterUser(tool)
	}
	return nil
}

// Names returns the names of all known entries, loaded or not.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Entry returns the known entry for name, if any.
func (r *Registry) Entry(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Activate enables a known-but-disabled skill and hot-registers it into the
// live tool registry, without a gateway restart. Callers are expected to
// have already run this decision through HITL approval; Activate itself
// performs no gating.
func (r *Registry) Activate(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("skilltools: unknown skill %q", name)
	}
	if err := r.loader.SetEnabled(name, true); err != nil {
		return err
	}
	r.mu.Lock()
	e.Enabled = true
	err := r.register(e)
	r.mu.Unlock()
	return err
}

// InstallFromDir copies the skill bundle at dir (a skill.json manifest
// plus its handler artifact) into the loader's root, enables it, and
// hot-registers its handler. This is the suggest_skill path for catalog
// entries that are not installed at all yet.
func (r *Registry) InstallFromDir(ctx context.Context, dir string) error {
	m, err := LoadManifest(dir)
	if err != nil {
		return err
	}
	if err := m.Validate(dir); err != nil {
		return err
	}
	handler, err := os.ReadFile(m.HandlerPath(dir))
	if err != nil {
		return fmt.Errorf("skilltools: read bundle handler: %w", err)
	}

	entry, err := r.loader.Install(m, handler)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Manifest.Name] = entry
	return r.register(entry)
}

// Deactivate disables name and removes it from the live tool registry.
// Builtin skills cannot be deactivated.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("skilltools: unknown skill %q", name)
	}
	if e.Origin == OriginBuiltin {
		return fmt.Errorf("skilltools: cannot deactivate builtin skill %q", name)
	}
	if err := r.loader.SetEnabled(name, false); err != nil {
		return err
	}
	r.tools.Unregister(name)
	r.mu.Lock()
	e.Enabled = false
	r.mu.Unlock()
	return nil
}

package skilltools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Origin records whether an entry was shipped with the gateway (and thus
// protected from collision) or installed by a user at runtime.
type Origin int

const (
	OriginUser Origin = iota
	OriginBuiltin
)

func (o Origin) String() string {
	if o == OriginBuiltin {
		return "builtin"
	}
	return "user"
}

// Entry is one discovered skill directory: its manifest, location, and
// current enabled state.
type Entry struct {
	Manifest *Manifest
	Dir      string
	Enabled  bool
	Origin   Origin
}

// Loader scans a root directory of skill subdirectories, each containing a
// skill.json manifest, and tracks enabled state in a sibling _registry.json.
// Subdirectories named "builtin" are treated as protected (Origin =
// OriginBuiltin); everything else is user-installed.
type Loader struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	flags registryFlags
}

// NewLoader creates a Loader rooted at root. root is created if absent.
func NewLoader(root string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("skilltools: create root %s: %w", root, err)
	}
	flags, err := loadRegistryFlags(root)
	if err != nil {
		return nil, err
	}
	return &Loader{root: root, logger: logger.With("component", "skilltools_loader"), flags: flags}, nil
}

// builtinDirName is the reserved subdirectory for skills shipped with the
// gateway itself; anything under it loads with Origin = OriginBuiltin.
const builtinDirName = "builtin"

// Scan walks root's immediate subdirectories for skill.json manifests and
// returns one Entry per valid skill found. Invalid manifests are logged and
// skipped rather than aborting the whole scan.
func (l *Loader) Scan(ctx context.Context) ([]*Entry, error) {
	dirEntries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("skilltools: read root %s: %w", l.root, err)
	}

	l.mu.Lock()
	flags := l.flags
	l.mu.Unlock()

	var entries []*Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		// Reserved directories (the _catalog bundle store, editor
		// droppings) are not skills.
		if strings.HasPrefix(de.Name(), "_") || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if ctx.Err() != nil {
			return entries, ctx.Err()
		}
		entries = append(entries, l.scanGroup(filepath.Join(l.root, de.Name()), de.Name() == builtinDirName, flags)...)
	}
	return entries, nil
}

func (l *Loader) scanGroup(dir string, builtin bool, flags registryFlags) []*Entry {
	if builtin {
		children, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warn("read builtin skills dir failed", "dir", dir, "error", err)
			return nil
		}
		var out []*Entry
		for _, c := range children {
			if !c.IsDir() {
				continue
			}
			if e := l.loadOne(filepath.Join(dir, c.Name()), OriginBuiltin, flags); e != nil {
				out = append(out, e)
			}
		}
		return out
	}
	if e := l.loadOne(dir, OriginUser, flags); e != nil {
		return []*Entry{e}
	}
	return nil
}

func (l *Loader) loadOne(dir string, origin Origin, flags registryFlags) *Entry {
	manifestPath := filepath.Join(dir, ManifestFilename)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil
	}
	m, err := LoadManifest(dir)
	if err != nil {
		l.logger.Warn("skip invalid skill manifest", "dir", dir, "error", err)
		return nil
	}
	if err := m.Validate(dir); err != nil {
		l.logger.Warn("skip invalid skill manifest", "dir", dir, "error", err)
		return nil
	}
	enabled, known := flags.Enabled[m.Name]
	if !known {
		enabled = true // newly discovered skills default to enabled
	}
	return &Entry{Manifest: m, Dir: dir, Enabled: enabled, Origin: origin}
}

// SetEnabled persists an enabled/disabled flag for name and returns it on
// the next Scan.
func (l *Loader) SetEnabled(name string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flags.Enabled == nil {
		l.flags.Enabled = map[string]bool{}
	}
	l.flags.Enabled[name] = enabled
	return saveRegistryFlags(l.root, l.flags)
}

// Install materializes a new user skill directory under root from the given
// manifest and handler bytes, then enables it. Built-in names cannot be
// overwritten this way.
func (l *Loader) Install(m *Manifest, handler []byte) (*Entry, error) {
	dir := filepath.Join(l.root, sanitizeDirName(m.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("skilltools: create skill dir: %w", err)
	}
	data, err := marshalManifest(m)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), data, 0o644); err != nil {
		return nil, fmt.Errorf("skilltools: write manifest: %w", err)
	}
	if len(handler) > 0 {
		handlerPath := m.HandlerPath(dir)
		if err := os.WriteFile(handlerPath, handler, 0o755); err != nil {
			return nil, fmt.Errorf("skilltools: write handler: %w", err)
		}
	}
	if err := m.Validate(dir); err != nil {
		return nil, err
	}
	if err := l.SetEnabled(m.Name, true); err != nil {
		return nil, err
	}
	return &Entry{Manifest: m, Dir: dir, Enabled: true, Origin: OriginUser}, nil
}

// Delete removes a user-installed skill directory. Built-in skills cannot be
// deleted through this path.
func (l *Loader) Delete(entry *Entry) error {
	if entry.Origin == OriginBuiltin {
		return fmt.Errorf("skilltools: cannot delete builtin skill %q", entry.Manifest.Name)
	}
	if err := os.RemoveAll(entry.Dir); err != nil {
		return fmt.Errorf("skilltools: delete %s: %w", entry.Dir, err)
	}
	l.mu.Lock()
	delete(l.flags.Enabled, entry.Manifest.Name)
	err := saveRegistryFlags(l.root, l.flags)
	l.mu.Unlock()
	return err
}

func sanitizeDirName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "skill"
	}
	return string(out)
}

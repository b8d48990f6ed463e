package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/loopgateway/loopgw/internal/config"
	"github.com/loopgateway/loopgw/internal/skilltools"
)

// openSkillRegistry loads the skills directory the same way serve does,
// but against a throwaway tool registry since nothing executes here.
func openSkillRegistry(ctx context.Context, configPath string) (*config.Config, *skilltools.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	skillsDir := cfg.Skills.Directory
	if skillsDir == "" {
		skillsDir = filepath.Join(cfg.Database.DataDir, "skills")
	}
	loader, err := skilltools.NewLoader(skillsDir, nil)
	if err != nil {
		return nil, nil, err
	}
	registry := skilltools.NewRegistry(loader, nil, 0, nil)
	if err := registry.LoadAll(ctx); err != nil {
		return nil, nil, err
	}
	return cfg, registry, nil
}

func runSkillsList(ctx context.Context, configPath string) error {
	_, registry, err := openSkillRegistry(ctx, configPath)
	if err != nil {
		return err
	}
	names := registry.Names()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("no skills installed")
		return nil
	}
	for _, name := range names {
		entry, _ := registry.Entry(name)
		state := "disabled"
		if entry.Enabled {
			state = "enabled"
		}
		fmt.Printf("%-24s %-9s %s\n", name, state, entry.Manifest.Description)
	}
	return nil
}

func runSkillsSetEnabled(ctx context.Context, configPath, name string, enabled bool) error {
	_, registry, err := openSkillRegistry(ctx, configPath)
	if err != nil {
		return err
	}
	if enabled {
		err = registry.Activate(ctx, name)
	} else {
		err = registry.Deactivate(name)
	}
	if err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("skill %s %s\n", name, state)
	return nil
}

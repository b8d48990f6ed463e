package main

import (
	"context"
	"fmt"

	"github.com/loopgateway/loopgw/internal/config"
)

// runMigrate opens the database (which applies pending migrations) and
// exits. Useful in deployments that migrate in a separate step from serve.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	fmt.Println("database is up to date")
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

var bootstrapHwd = &BootstrapRunner{}

type BootstrapRunner struct{}

func (r *BootstrapRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "bootstrap",
		Usage:  "Create the sessions table if missing and check the shape of an existing one",
		Action: r.run,
	}
}

func (r *BootstrapRunner) run(ctx context.Context, _ *cli.Command) error {
	// Opening the store runs the schema bootstrap.
	store, cleanup, err := openStore(ctx, rt.cfg, rt.log, nil)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer cleanup()
	defer store.Close()

	fmt.Printf("table %q is ready\n", store.TableName())
	return nil
}

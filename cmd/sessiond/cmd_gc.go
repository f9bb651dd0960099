package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

var gcHwd = &GCRunner{}

type GCRunner struct{}

func (r *GCRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Remove sessions idle for longer than the max lifetime",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "max-lifetime",
				Usage: "idle time after which a session is removed (defaults to http.ttl)",
			},
		},
		Action: r.run,
	}
}

func (r *GCRunner) run(ctx context.Context, cmd *cli.Command) error {
	maxLifetime := rt.cfg.HTTP.TTL
	if cmd.IsSet("max-lifetime") {
		maxLifetime = cmd.Duration("max-lifetime")
	}
	if maxLifetime <= 0 {
		return fmt.Errorf("max lifetime must be positive, got %s", maxLifetime)
	}

	store, cleanup, err := openStore(ctx, rt.cfg, rt.log, nil)
	if err != nil {
		return err
	}
	defer cleanup()
	defer store.Close()

	n, err := store.GC(ctx, maxLifetime)
	if err != nil {
		return err
	}

	rt.log.WithField("removed", n).Info("session gc finished")
	fmt.Printf("removed %d sessions idle for more than %s\n", n, maxLifetime)
	return nil
}

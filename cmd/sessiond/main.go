package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/Morditux/sqlsession/internal/config"
	"github.com/Morditux/sqlsession/internal/logs"
)

// rt is filled by the root Before hook and shared by every subcommand.
var rt = &runtime{}

type runtime struct {
	cfg *config.Config
	log *logrus.Logger
}

func main() {
	cmd := &cli.Command{
		Name:  "sessiond",
		Usage: "Operate a SQL-backed session store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Sources: cli.EnvVars(config.EnvPrefix + "CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "load environment variables from `FILE` (repeatable)",
			},
		},
		Before: rt.before,
		Commands: []*cli.Command{
			bootstrapHwd.cmd(),
			gcHwd.cmd(),
			serveHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger := logrus.StandardLogger()
		if rt.log != nil {
			logger = rt.log
		}
		logger.WithError(err).Error("command execution failed")
		os.Exit(1)
	}
}

func (r *runtime) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.StringSlice("env-file")...)
	if err != nil {
		return ctx, fmt.Errorf("loading config error: %w", err)
	}

	log, err := logs.New(logs.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		return ctx, fmt.Errorf("init logger error: %w", err)
	}

	r.cfg = cfg
	r.log = log
	return ctx, nil
}

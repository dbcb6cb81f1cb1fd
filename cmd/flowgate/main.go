package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/flowgate/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowgate",
		Usage:                 "Run workflow graphs with human approval gates",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "Path of the libSQL database file",
				Sources: cli.EnvVars("FLOWGATE_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("FLOWGATE_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			initCommand(),
			validateCommand(),
			importCommand(),
			triggerCommand(),
			sweepCommand(),
			diagramCommand(),
			secretCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig layers explicitly set flags over loadConfig.
func resolveConfig(cmd *cli.Command) Config {
	cfg := loadConfig()
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("listen-addr") {
		cfg.ListenAddr = cmd.String("listen-addr")
	}
	return cfg
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio transport.
func newLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger, level
}

// withRuntime loads config, wires the components and runs fn.
func withRuntime(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, r *runtime) error) error {
	cfg := resolveConfig(cmd)
	logger, _ := newLogger(cfg)
	r, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.close()
	return fn(ctx, r)
}

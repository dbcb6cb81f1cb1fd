package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/flowgate/internal/api"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/scheduler"
	"github.com/rendis/flowgate/internal/telemetry"
	"github.com/rendis/flowgate/pkg/mcp"
	"github.com/rendis/flowgate/pkg/schema"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run the schedule and approval timeout sweeps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "TCP listen address",
				Sources: cli.EnvVars("FLOWGATE_LISTEN_ADDR"),
			},
			&cli.BoolFlag{
				Name:  "no-sweeps",
				Usage: "Leave both sweeps to an external caller of the sweep endpoints",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg := resolveConfig(cmd)
	logger, level := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "flowgate",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", slog.String("error", err.Error()))
		}
	}()

	r, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.close()

	if err := writePID(); err != nil {
		logger.Warn("write pid file", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	if !cmd.Bool("no-sweeps") {
		sched, err := newSweeps(r)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	go watchReload(ctx, cfg, level, logger)

	srv := api.New(api.Config{
		Engine:   r.engine,
		Triggers: r.triggers,
		Metrics:  promhttp.HandlerFor(r.metrics.Registry, promhttp.HandlerOpts{}),
		Counter:  r.metrics,
		Hub:      r.hub,
		Logger:   logger,
	})
	logger.Info("flowgate listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
	return srv.Listen(ctx, cfg.ListenAddr)
}

// newSweeps registers the schedule and approval timeout sweeps.
func newSweeps(r *runtime) (*scheduler.Scheduler, error) {
	sched := scheduler.New(r.logger, nil)

	err := sched.Add("schedules", r.cfg.ScheduleSweep, func(ctx context.Context, now time.Time) error {
		start := time.Now()
		results, err := r.triggers.RunScheduled(ctx, now)
		r.metrics.ObserveSweep("schedules", time.Since(start))
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Executed {
				r.metrics.Trigger(schema.TriggerScheduled, nil)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = sched.Add("timeouts", r.cfg.TimeoutSweep, func(ctx context.Context, now time.Time) error {
		start := time.Now()
		results, err := r.engine.ProcessApprovalTimeouts(ctx, now)
		r.metrics.ObserveSweep("timeouts", time.Since(start))
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Error != "" {
				r.logger.WarnContext(logging.WithExecutionID(ctx, res.ExecutionID), "approval timeout not applied",
					slog.String("request_id", res.RequestID), slog.String("error", res.Error))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately; other changes are reported as needing a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			diff := diffConfigs(current, next)
			if diff.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if len(diff.RestartNeeded) > 0 {
				logger.Warn("configuration changes need a restart", slog.Any("fields", diff.RestartNeeded))
			}
			current.LogLevel = next.LogLevel
		}
	}
}

func writePID() error {
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the flowgate tools over MCP stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
				srv := mcp.NewFlowgateServer(mcp.FlowgateServerDeps{
					Engine:    r.engine,
					Triggers:  r.triggers,
					Store:     r.store,
					Validator: r.validator,
					Logger:    r.logger,
				})
				err := srv.Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("mcp server: %w", err)
				}
				return nil
			})
		},
	}
}

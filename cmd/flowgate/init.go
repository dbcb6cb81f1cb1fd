package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write settings.json and ask a running server to reload it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen-addr", Usage: "TCP listen address"},
			&cli.StringFlag{Name: "search-url", Usage: "Search service endpoint"},
			&cli.StringFlag{Name: "text-url", Usage: "Text generation service endpoint"},
			&cli.StringFlag{Name: "otlp-endpoint", Usage: "OTLP/HTTP collector host:port"},
			&cli.IntFlag{Name: "pool-size", Usage: "Async execution pool size"},
			&cli.StringFlag{Name: "approval-timeout", Usage: "Default approval timeout, e.g. 24h"},
		},
		Action: runInit,
	}
}

func runInit(_ context.Context, cmd *cli.Command) error {
	dir := flowgateDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	cfg := resolveConfig(cmd)
	set := map[string]*string{
		"search-url":       &cfg.SearchURL,
		"text-url":         &cfg.TextURL,
		"otlp-endpoint":    &cfg.OTLPEndpoint,
		"approval-timeout": &cfg.ApprovalTimeout,
	}
	for flag, dst := range set {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = int(cmd.Int("pool-size"))
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	signalRunningServer()
	return nil
}

// signalRunningServer sends SIGHUP to a running flowgate server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}

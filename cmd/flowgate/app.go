package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/flowgate/internal/actions"
	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/metrics"
	"github.com/rendis/flowgate/internal/secrets"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/internal/trigger"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

// runtime is the wired set of components every command works with.
type runtime struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	engines   *expressions.Engines
	validator *validation.WorkflowValidator
	engine    *engine.Engine
	triggers  *trigger.Dispatcher
	metrics   *metrics.Metrics
	hub       *streaming.MemoryHub
	vault     *secrets.AESVault // nil without a vault key
}

func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(engines)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	services := actions.NewHTTPServices(
		actions.HTTPConfig{Timeout: durationOr(cfg.HTTPTimeout, 0)},
		cfg.SearchURL, cfg.TextURL,
	)
	var opts []steps.Option
	var vault *secrets.AESVault
	if cfg.VaultKey != "" {
		vault, err = openVault(s, cfg)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		opts = append(opts, steps.WithVault(vault))
	}

	m := metrics.New()
	hub := streaming.NewMemoryHub()
	eng := engine.New(s, steps.NewDispatcher(services, engines, opts...), engine.Config{
		PoolSize:               cfg.PoolSize,
		DefaultApprovalTimeout: durationOr(cfg.ApprovalTimeout, schema.DefaultApprovalTimeout),
		Logger:                 logger,
		Observer:               m,
		Publisher:              hub,
	})
	m.RegisterPool(eng.PoolMetrics)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		engines:   engines,
		validator: validator,
		engine:    eng,
		triggers:  trigger.NewDispatcher(s, s, eng, logger),
		metrics:   m,
		hub:       hub,
		vault:     vault,
	}, nil
}

// openVault derives the vault key from the configured passphrase and a
// per-database salt, creating the salt on first use.
func openVault(s secrets.SecretStore, cfg Config) (*secrets.AESVault, error) {
	salt, err := loadSalt(vaultSaltPath(cfg))
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
}

func vaultSaltPath(cfg Config) string {
	return filepath.Join(filepath.Dir(cfg.DBPath), "vault.salt")
}

func loadSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) > 0 {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// close drains async executions before the store goes away.
func (r *runtime) close() {
	if ids := r.engine.Running(); len(ids) > 0 {
		r.logger.Info("waiting for async executions", slog.Any("execution_ids", ids))
	}
	r.engine.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("close store", slog.String("error", err.Error()))
	}
}

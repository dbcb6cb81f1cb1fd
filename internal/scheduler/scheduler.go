// Package scheduler drives periodic sweeps (scheduled triggers, approval
// timeouts) inside a long-running server.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc is one periodic sweep. now is the tick time.
type SweepFunc func(ctx context.Context, now time.Time) error

// Scheduler runs registered sweeps on cron specs. A sweep still running
// when its next tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	sweeps  map[string]SweepFunc
}

// New creates a Scheduler. clock defaults to time.Now.
func New(logger *slog.Logger, clock func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: parser,
		clock:  clock,
		logger: logger,
		ctx:    context.Background(),
		sweeps: make(map[string]SweepFunc),
	}
}

// Add registers a sweep under name. spec is a five-field cron expression
// or a descriptor such as "@every 30s".
func (s *Scheduler) Add(name, spec string, fn SweepFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q for sweep %q: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sweeps[name]; exists {
		return fmt.Errorf("sweep %q already registered", name)
	}
	s.sweeps[name] = fn

	_, err := s.cron.AddFunc(spec, func() {
		if err := s.run(name); err != nil {
			s.logger.Error("sweep failed", slog.String("sweep", name), slog.String("error", err.Error()))
		}
	})
	return err
}

// RunNow runs a registered sweep once, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	return s.run(name)
}

func (s *Scheduler) run(name string) error {
	s.mu.Lock()
	fn, ok := s.sweeps[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sweep %q is not registered", name)
	}

	start := s.clock()
	err := fn(ctx, start)
	s.logger.Debug("sweep finished",
		slog.String("sweep", name), slog.Duration("took", time.Since(start)))
	return err
}

// Start begins running sweeps on their schedules. ctx bounds every sweep
// started after this call.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("sweeps", len(s.sweeps)))
	return nil
}

// Stop halts the schedule and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to the logger interface robfig/cron expects.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}

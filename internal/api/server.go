// Package api exposes trigger, sweep and approval endpoints over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/internal/trigger"
	"github.com/rendis/flowgate/pkg/schema"
)

// Engine is the slice of the execution engine the endpoints drive.
type Engine interface {
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListStepResults(ctx context.Context, id string) ([]*schema.StepResult, error)
	CancelExecution(ctx context.Context, id, reason string) (*schema.Execution, error)
	SubmitApprovalResponse(ctx context.Context, requestID string, decision schema.ApprovalDecision, responderID, notes string) (*schema.Execution, error)
	ProcessApprovalTimeouts(ctx context.Context, now time.Time) ([]engine.TimeoutResult, error)
	Events(ctx context.Context, id string, since int64) ([]*schema.Event, error)
}

// Triggers starts executions from inbound calls and schedule sweeps.
type Triggers interface {
	Webhook(ctx context.Context, workflowID string, payload any) (*schema.Execution, error)
	RunScheduled(ctx context.Context, now time.Time) ([]trigger.ScheduleResult, error)
}

// TriggerCounter is notified of every webhook call.
type TriggerCounter interface {
	Trigger(source schema.TriggerType, err error)
}

// Config wires the server's collaborators. Metrics, Counter and Hub are
// optional. Without a Hub the event stream replays the log and ends.
type Config struct {
	Engine          Engine
	Triggers        Triggers
	Metrics         http.Handler
	Counter         TriggerCounter
	Hub             streaming.Hub
	StreamHeartbeat time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	engine   Engine
	triggers Triggers
	metrics  http.Handler
	counter  TriggerCounter
	hub      streaming.Hub
	validate *validator.Validate
	clock    func() time.Time
	logger   *slog.Logger

	heartbeat time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 15 * time.Second
	}
	return &Server{
		engine:    cfg.Engine,
		triggers:  cfg.Triggers,
		metrics:   cfg.Metrics,
		counter:   cfg.Counter,
		hub:       cfg.Hub,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		heartbeat: cfg.StreamHeartbeat,
		done:      make(chan struct{}),
	}
}

// App builds the fiber application with every route mounted.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "flowgate"})
	app.Use(recoverer.New())
	app.Use(s.accessLog)

	app.Get("/healthz", healthcheck.NewHealthChecker())
	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}

	w := app.Group("/workflows")
	w.Post("/scheduled/run", s.RunScheduled)
	w.Post("/:id/trigger", s.TriggerWorkflow)

	a := app.Group("/approvals")
	a.Post("/timeouts/run", s.RunTimeouts)
	a.Post("/:id/respond", s.RespondApproval)

	e := app.Group("/executions")
	e.Get("/:id", s.GetExecution)
	e.Get("/:id/events", s.StreamEvents)
	e.Post("/:id/cancel", s.CancelExecution)

	return app
}

func (s *Server) accessLog(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.DebugContext(c.Context(), "http request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", c.Response().StatusCode()),
		slog.Duration("took", time.Since(start)))
	return err
}

// Listen serves the app on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	app := s.App()
	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.CloseStreams()
		return app.ShutdownWithTimeout(10 * time.Second)
	}
}

// CloseStreams ends every open event stream.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}

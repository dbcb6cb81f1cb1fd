package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/pkg/schema"
)

// TriggerWorkflow starts a webhook execution with the request body as
// payload. Async workflows answer 202 before the run finishes.
func (s *Server) TriggerWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	ctx := logging.WithWorkflowID(c.Context(), id)

	var payload any
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return badRequest(c, "Invalid JSON payload")
		}
	}

	exec, err := s.triggers.Webhook(ctx, id, payload)
	if s.counter != nil {
		s.counter.Trigger(schema.TriggerWebhook, err)
	}
	if err != nil {
		return s.handleError(c, err)
	}

	status := fiber.StatusOK
	if exec.Status == schema.ExecutionPending || exec.Status == schema.ExecutionRunning {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(TriggerResponse{ExecutionID: exec.ID, Status: exec.Status})
}

// RunScheduled runs one schedule sweep. The optional "at" query parameter
// (RFC 3339) overrides the sweep time.
func (s *Server) RunScheduled(c fiber.Ctx) error {
	now, err := s.sweepTime(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	results, err := s.triggers.RunScheduled(c.Context(), now)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(ScheduledRunResponse{RanAt: now.UTC().Format(time.RFC3339), Results: results})
}

// RunTimeouts runs one approval timeout sweep.
func (s *Server) RunTimeouts(c fiber.Ctx) error {
	now, err := s.sweepTime(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	results, err := s.engine.ProcessApprovalTimeouts(c.Context(), now)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(TimeoutRunResponse{RanAt: now.UTC().Format(time.RFC3339), Results: results})
}

func (s *Server) sweepTime(c fiber.Ctx) (time.Time, error) {
	at := c.Query("at")
	if at == "" {
		return s.clock(), nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid at %q: want RFC 3339", at)
	}
	return t, nil
}

// RespondApproval resolves a pending approval request. A request that is
// already resolved answers 409.
func (s *Server) RespondApproval(c fiber.Ctx) error {
	var req RespondRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := s.engine.SubmitApprovalResponse(c.Context(), c.Params("id"),
		schema.ApprovalDecision(req.Decision), req.ResponderID, req.Notes)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(TriggerResponse{ExecutionID: exec.ID, Status: exec.Status})
}

func (s *Server) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	exec, err := s.engine.GetExecution(c.Context(), id)
	if err != nil {
		return s.handleError(c, err)
	}
	results, err := s.engine.ListStepResults(c.Context(), id)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(ExecutionResponse{Execution: exec, Steps: results})
}

// CancelExecution cancels a non-terminal execution.
func (s *Server) CancelExecution(c fiber.Ctx) error {
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
		if err := s.validate.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	exec, err := s.engine.CancelExecution(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(TriggerResponse{ExecutionID: exec.ID, Status: exec.Status})
}

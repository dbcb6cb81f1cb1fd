package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

// StreamEvents serves an execution's audit log as Server-Sent Events:
// the stored events after ?since=, then live ones until the execution
// reaches a terminal status or the client goes away.
func (s *Server) StreamEvents(c fiber.Ctx) error {
	ctx := c.Context()
	id := c.Params("id")

	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return badRequest(c, "since must be a non-negative integer")
		}
		since = v
	}

	exec, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return s.handleError(c, err)
	}

	// Subscribe before reading the backlog so nothing falls in between.
	var live <-chan schema.Event
	unsubscribe := func() {}
	if s.hub != nil && !exec.Status.Terminal() {
		live, unsubscribe, err = s.hub.Subscribe(context.WithoutCancel(ctx), streaming.Filter{ExecutionID: id})
		if err != nil {
			return s.handleError(c, err)
		}
	}
	backlog, err := s.engine.Events(ctx, id, since)
	if err != nil {
		unsubscribe()
		return s.handleError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		last := since
		for _, ev := range backlog {
			if writeEvent(w, *ev) != nil {
				return
			}
			last = ev.Sequence
			if streaming.Terminal(*ev) {
				return
			}
		}
		if live == nil {
			return
		}

		heartbeat := time.NewTicker(s.heartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case ev := <-live:
				if ev.Sequence <= last {
					continue
				}
				if writeEvent(w, ev) != nil {
					return
				}
				last = ev.Sequence
				if streaming.Terminal(ev) {
					return
				}
			case <-heartbeat.C:
				// A failed flush means the client has gone.
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil || w.Flush() != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev schema.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// eventLog appends audit events for executions.
type eventLog struct {
	store store.EventStore
	clock func() time.Time
}

func (l *eventLog) emit(ctx context.Context, executionID, stepID, typ string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s event: %s", typ, err.Error()).
				WithStep(stepID).WithCause(err)
		}
		raw = data
	}
	event := &schema.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        typ,
		Payload:     raw,
		Timestamp:   l.clock(),
	}
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", typ, err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// PublishingStore is an EventStore that publishes every event after it
// has been durably appended.
type PublishingStore struct {
	store.EventStore
	pub    Publisher
	logger *slog.Logger
}

// NewPublishingStore wraps events so that appends are also published to pub.
func NewPublishingStore(events store.EventStore, pub Publisher, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{EventStore: events, pub: pub, logger: logger}
}

// AppendEvent appends to the underlying store, then publishes. A publish
// failure is logged and never fails the append.
func (s *PublishingStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	if err := s.EventStore.AppendEvent(ctx, event); err != nil {
		return err
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), *event); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("execution_id", event.ExecutionID),
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
	}
	return nil
}

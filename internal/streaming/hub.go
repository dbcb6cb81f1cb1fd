// Package streaming fans audit-log events out to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/flowgate/pkg/schema"
)

// Filter selects the events a subscriber receives. Zero fields match everything.
type Filter struct {
	ExecutionID string
	Types       []string
}

// Publisher accepts events as they are appended to the audit log.
type Publisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

// Hub provides pub/sub over execution events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}

// Terminal reports whether an event closes its execution's stream.
func Terminal(event schema.Event) bool {
	switch event.Type {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}

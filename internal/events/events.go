package events

import (
	"context"
	"time"
)

// DefaultSubject is the subject relayed batches are announced on.
const DefaultSubject = "logrelay.forwarded"

// ForwardedEvent describes one batch relayed to Loki.
type ForwardedEvent struct {
	RequestID        string    `json:"request_id,omitempty"`
	Tenant           string    `json:"tenant,omitempty"`
	StreamsForwarded int       `json:"streams_forwarded"`
	LogsForwarded    int       `json:"logs_forwarded"`
	BodyBytes        int       `json:"body_bytes"`
	ForwardedAt      time.Time `json:"forwarded_at"`
}

// Publisher announces relay events. Implementations must not block the
// request path for long.
type Publisher interface {
	PublishForwarded(ctx context.Context, event ForwardedEvent) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) PublishForwarded(context.Context, ForwardedEvent) error { return nil }

func (Noop) Close() error { return nil }

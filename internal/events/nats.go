package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events to NATS JetStream.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to natsURL, retrying in the background when
// the server is not yet reachable.
func NewNATSPublisher(natsURL, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("logrelay-proxy"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	logger.Info("connected to nats", "url", natsURL, "subject", subject)

	return &NATSPublisher{
		nc:      nc,
		js:      js,
		subject: subject,
		logger:  logger,
	}, nil
}

// PublishForwarded publishes event without waiting for the ack.
func (p *NATSPublisher) PublishForwarded(_ context.Context, event ForwardedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal forwarded event: %w", err)
	}

	if _, err := p.js.PublishAsync(p.subject, data); err != nil {
		return fmt.Errorf("publish forwarded event: %w", err)
	}

	p.logger.Debug("forwarded event published", "subject", p.subject, "size", len(data))
	return nil
}

// Close waits briefly for pending acks and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}

	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		p.logger.Warn("closing nats with unacknowledged events", "pending", p.js.PublishAsyncPending())
	}

	p.logger.Info("closing nats connection")
	p.nc.Close()
	return nil
}

package eventbus

import (
	"context"
	"log/slog"
)

// Publisher sends automation messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// Routing keys used by the automation engine.
const (
	KeyNotification = "automation.notification"
	KeyAlert        = "automation.alert"
	KeyExecution    = "automation.execution" // suffixed with the lowercased status
)

// NoopPublisher discards messages after logging them at debug level.
type NoopPublisher struct {
	logger *slog.Logger
}

func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("noop publish", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

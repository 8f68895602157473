package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/state"
	"github.com/felixgeelhaar/fortify/retry"
)

// Publisher delivers state events to RabbitMQ. Transient broker failures
// are retried with backoff; exhausted retries are reported to the caller,
// which logs and moves on.
type Publisher struct {
	conn    *Connection
	retrier retry.Retry[struct{}]
	logger  *slog.Logger
}

// NewPublisher creates a publisher on an established connection.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn: conn,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
		logger: logger,
	}
}

// Publish implements state.EventSink.
func (p *Publisher) Publish(ctx context.Context, event *state.Event) error {
	_, err := p.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.conn.PublishJSON(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("publish %s event for user %d: %w", event.Type, event.UserID, err)
	}

	p.logger.Debug("published event",
		"id", event.ID,
		"type", event.Type,
		"user", event.UserID,
		"exercise", event.ExerciseID,
	)
	return nil
}

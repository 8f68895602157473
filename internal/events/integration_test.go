//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/events"
	"github.com/JanWichelmann/ctf4e-sub001/internal/state"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQ(t *testing.T) (string, func()) {
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management")
	if err != nil {
		t.Fatalf("failed to start RabbitMQ container: %v", err)
	}

	amqpURL, err := container.AmqpURL(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get AMQP URL: %v", err)
	}

	cleanup := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return amqpURL, cleanup
}

func TestIntegration_Connection_ConnectAndClose(t *testing.T) {
	amqpURL, cleanup := setupRabbitMQ(t)
	defer cleanup()

	conn, err := events.NewConnection(amqpURL)
	if err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	if !conn.IsConnected() {
		t.Error("expected connection to be active")
	}

	if err := conn.Close(); err != nil {
		t.Errorf("failed to close connection: %v", err)
	}
}

func TestIntegration_Connection_InvalidURL(t *testing.T) {
	if _, err := events.NewConnection("amqp://invalid:5672"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestIntegration_Publisher_RoundTrip(t *testing.T) {
	amqpURL, cleanup := setupRabbitMQ(t)
	defer cleanup()

	conn, err := events.NewConnection(amqpURL)
	if err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	defer conn.Close()

	pub := events.NewPublisher(conn, nil)
	group := 3
	sent := &state.Event{
		ID:         uuid.New(),
		Type:       state.EventTypeSolved,
		UserID:     12,
		GroupID:    &group,
		ExerciseID: 5,
		At:         time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	// Consume the event back off the queue.
	consumerConn, err := events.NewConnection(amqpURL)
	if err != nil {
		t.Fatalf("failed to create consumer connection: %v", err)
	}
	defer consumerConn.Close()

	delivery, err := consumerConn.ConsumeOne(ctx)
	if err != nil {
		t.Fatalf("ConsumeOne() error: %v", err)
	}

	var got state.Event
	if err := json.Unmarshal(delivery, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.ID != sent.ID || got.Type != sent.Type || got.UserID != 12 || got.ExerciseID != 5 {
		t.Errorf("round-tripped event mismatch: %+v", got)
	}
}

// Package events publishes state-change events to RabbitMQ so the
// surrounding application (web layer, reporting) can react without polling
// the core. Publishing is best-effort: the core never fails an operation
// because an event could not be delivered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventQueueName is the queue state-change events are published to.
const EventQueueName = "labserver.events"

// Connection manages the RabbitMQ connection with automatic reconnection.
type Connection struct {
	url        string
	conn       *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	closed     bool
	reconnects int
}

// NewConnection dials RabbitMQ and declares the event queue.
func NewConnection(url string) (*Connection, error) {
	c := &Connection{url: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.conn, err = amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := c.declareQueue(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	go c.handleReconnect()

	slog.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

func (c *Connection) declareQueue() error {
	_, err := c.channel.QueueDeclare(
		EventQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-message-ttl": int32(3600000), // events older than an hour are stale
		},
	)
	if err != nil {
		return fmt.Errorf("declare event queue: %w", err)
	}
	return nil
}

// handleReconnect listens for connection close and attempts to reconnect
// with exponential backoff.
func (c *Connection) handleReconnect() {
	notifyClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	err := <-notifyClose
	if err == nil {
		return // normal close
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	slog.Warn("RabbitMQ connection closed, attempting to reconnect",
		"error", err,
		"reconnects", c.reconnects,
	)

	for i := 0; i < 10; i++ {
		c.reconnects++
		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		time.Sleep(backoff)

		if err := c.connect(); err != nil {
			slog.Error("reconnection failed", "error", err, "attempt", i+1)
			continue
		}

		slog.Info("reconnected to RabbitMQ", "attempts", i+1)
		return
	}

	slog.Error("failed to reconnect to RabbitMQ after 10 attempts")
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a JSON message to the event queue.
func (c *Connection) PublishJSON(ctx context.Context, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	return ch.PublishWithContext(
		ctx,
		"",             // exchange
		EventQueueName, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// ConsumeOne fetches a single message body from the event queue, waiting
// until one arrives or the context expires.
func (c *Connection) ConsumeOne(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	deliveries, err := ch.ConsumeWithContext(ctx, EventQueueName, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume event queue: %w", err)
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel closed")
		}
		return d.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sanitizeURL removes credentials from a URL for logging.
func sanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:20] + "..."
	}
	return url
}

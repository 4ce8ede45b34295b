// Package rabbitmq publishes order lifecycle events to a RabbitMQ queue for
// external consumers. Messages carry the outbox event id, so downstream
// consumers can deduplicate redeliveries.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fortressi/fulfillment"
)

const (
	dialRetries    = 10
	dialRetryDelay = 2 * time.Second
)

// Publisher pushes events onto a durable queue.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
}

// NewPublisher connects to the broker and declares the queue. The dial is
// retried, since the broker often comes up after the service does.
func NewPublisher(url, queue string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < dialRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("delay", dialRetryDelay),
			zap.Error(err))
		time.Sleep(dialRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &Publisher{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

// Handle implements fulfillment.Handler: the event payload goes out as a
// persistent JSON message keyed by the event id.
func (p *Publisher) Handle(ctx context.Context, event *fulfillment.OutboxEvent) error {
	err := p.channel.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    event.ID.String(),
			Type:         event.EventType,
			ContentType:  "application/json",
			Body:         event.Payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}

	p.logger.Info("event published",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.String("queue", p.queue))
	return nil
}

// Close releases the channel and the connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

var _ fulfillment.Handler = (*Publisher)(nil)

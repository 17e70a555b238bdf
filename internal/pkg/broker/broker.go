package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Config holds the broker topology and connection settings.
type Config struct {
	URL string

	TaskExchange   string
	TaskQueue      string
	TaskRoutingKey string

	ResultExchange   string
	ResultQueue      string
	ResultRoutingKey string

	DeadLetterQueue string

	Prefetch   int
	MessageTTL time.Duration
}

// Client is a thin wrapper over an AMQP connection/channel pair. It owns
// topology declaration and exposes publish/consume operations in terms of
// raw JSON bodies so domain code never touches the AMQP types.
type Client struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker, opens a channel and declares the topology.
func Connect(cfg Config) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker channel: %w", err)
	}

	c := &Client{cfg: cfg, conn: conn, ch: ch}
	if err := c.declareTopology(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info().Str("url", cfg.URL).Msg("Connected to broker")
	return c, nil
}

func (c *Client) declareTopology() error {
	if err := c.ch.ExchangeDeclare(c.cfg.TaskExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare task exchange: %w", err)
	}
	if err := c.ch.ExchangeDeclare(c.cfg.ResultExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare result exchange: %w", err)
	}

	if _, err := c.ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}

	// Dispatch queue dead-letters into the DLQ via the default exchange.
	taskArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.cfg.DeadLetterQueue,
	}
	if c.cfg.MessageTTL > 0 {
		taskArgs["x-message-ttl"] = c.cfg.MessageTTL.Milliseconds()
	}
	if _, err := c.ch.QueueDeclare(c.cfg.TaskQueue, true, false, false, false, taskArgs); err != nil {
		return fmt.Errorf("declare task queue: %w", err)
	}

	if _, err := c.ch.QueueDeclare(c.cfg.ResultQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare result queue: %w", err)
	}

	if err := c.ch.QueueBind(c.cfg.TaskQueue, c.cfg.TaskRoutingKey, c.cfg.TaskExchange, false, nil); err != nil {
		return fmt.Errorf("bind task queue: %w", err)
	}
	if err := c.ch.QueueBind(c.cfg.ResultQueue, c.cfg.ResultRoutingKey, c.cfg.ResultExchange, false, nil); err != nil {
		return fmt.Errorf("bind result queue: %w", err)
	}

	return nil
}

func (c *Client) publish(ctx context.Context, exchange, key, messageID string, attempt int, body []byte) error {
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     messageID,
		CorrelationId: messageID,
		Timestamp:     time.Now().UTC(),
		Headers:       amqp.Table{attemptHeader: int32(attempt)},
		Body:          body,
	})
}

// PublishDispatch publishes a dispatch message for a task.
func (c *Client) PublishDispatch(ctx context.Context, taskID string, body []byte) error {
	return c.publish(ctx, c.cfg.TaskExchange, c.cfg.TaskRoutingKey, taskID, 1, body)
}

// RepublishDispatch re-enqueues a dispatch message with an incremented
// delivery-attempt counter.
func (c *Client) RepublishDispatch(ctx context.Context, taskID string, body []byte, attempt int) error {
	return c.publish(ctx, c.cfg.TaskExchange, c.cfg.TaskRoutingKey, taskID, attempt, body)
}

// PublishResult publishes a worker result message.
func (c *Client) PublishResult(ctx context.Context, taskID string, body []byte) error {
	return c.publish(ctx, c.cfg.ResultExchange, c.cfg.ResultRoutingKey, taskID, 1, body)
}

// RepublishResult re-enqueues a result message with an incremented
// delivery-attempt counter.
func (c *Client) RepublishResult(ctx context.Context, taskID string, body []byte, attempt int) error {
	return c.publish(ctx, c.cfg.ResultExchange, c.cfg.ResultRoutingKey, taskID, attempt, body)
}

// PublishDeadLetter routes a message that exhausted its retry budget to the
// dead-letter queue through the default exchange.
func (c *Client) PublishDeadLetter(ctx context.Context, taskID string, body []byte, attempt int) error {
	return c.publish(ctx, "", c.cfg.DeadLetterQueue, taskID, attempt, body)
}

// ConsumeDispatch opens a competing-consumer subscription on the task queue.
func (c *Client) ConsumeDispatch(consumerTag string) (<-chan Delivery, error) {
	return c.consume(c.cfg.TaskQueue, consumerTag)
}

// ConsumeResults opens a subscription on the result queue.
func (c *Client) ConsumeResults(consumerTag string) (<-chan Delivery, error) {
	return c.consume(c.cfg.ResultQueue, consumerTag)
}

// ConsumeDeadLetters opens a subscription on the dead-letter queue. The
// result processor runs a sweeper over it so tasks behind parked messages
// (including dispatches expired by the task queue's TTL) reach a terminal
// status.
func (c *Client) ConsumeDeadLetters(consumerTag string) (<-chan Delivery, error) {
	return c.consume(c.cfg.DeadLetterQueue, consumerTag)
}

func (c *Client) consume(queue, consumerTag string) (<-chan Delivery, error) {
	// Each consumer gets its own channel so Qos applies per consumer and a
	// poisoned channel does not take down the publisher.
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("consumer channel: %w", err)
	}

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for d := range deliveries {
			out <- &amqpDelivery{d: d}
		}
	}()

	return out, nil
}

// Close tears down the channel and connection.
func (c *Client) Close() {
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing broker channel")
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing broker connection")
		} else {
			log.Info().Msg("Broker connection closed")
		}
	}
}

/**
 * @description
 * This package owns everything RabbitMQ: the connection with its bounded
 * retry policy, the exchange/queue topology, durable publishing, and the
 * consumer dispatch loop with its ack/nack discipline.
 *
 * Topology: one durable direct exchange shared by both provisioning topics,
 * each queue bound under its own name as routing key, plus a separate
 * dead-letter exchange and queue. The working queues declare the dead-letter
 * exchange as their x-dead-letter target, so a rejected message lands in the
 * dead-letter queue instead of being silently dropped.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The official Go client for RabbitMQ.
 */
package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names. Queues are bound to the exchange under their own
// names as routing keys, so the topic name is all a publisher needs.
const (
	Exchange             = "user-provisioning"
	DeadLetterExchange   = "user-provisioning.dlx"
	DeadLetterQueue      = "dead-letter-queue"
	DeadLetterRoutingKey = "dead-letter"

	QueueCreationRequests    = "creation-requests"
	QueueCreationCompletions = "creation-completions"
)

const (
	defaultConnectAttempts = 5
	defaultConnectDelay    = 1 * time.Second
	defaultHandlerTimeout  = 30 * time.Second
)

// ClientConfig carries the tunables for a broker client. Zero values fall
// back to the defaults above.
type ClientConfig struct {
	URL             string
	ConnectAttempts int
	ConnectDelay    time.Duration // first retry delay, doubled per attempt
	HandlerTimeout  time.Duration // per-message processing deadline
}

// Client owns the AMQP connection and channel for one service process. It is
// created by the composition root and injected into handlers and the HTTP
// layer; there is no package-level instance.
type Client struct {
	cfg ClientConfig

	dial  func(url string) (*amqp.Connection, error)
	sleep func(ctx context.Context, d time.Duration) error

	conn    *amqp.Connection
	channel *amqp.Channel

	mu        sync.Mutex
	consumers map[string]Handler
	tags      []string
	consuming bool
	wg        sync.WaitGroup
}

// NewClient creates an unconnected client. Call Connect before publishing or
// consuming.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = defaultConnectDelay
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Client{
		cfg:       cfg,
		dial:      amqp.Dial,
		sleep:     sleepContext,
		consumers: make(map[string]Handler),
	}
}

// Connect establishes the connection, retrying with exponential backoff up to
// the configured bound, then declares the full topology. A service cannot do
// its job without the broker, so callers treat an error here as fatal.
func (c *Client) Connect(ctx context.Context) error {
	cleanURL, err := sanitizeAMQPURL(c.cfg.URL)
	if err != nil {
		return err
	}

	conn, err := c.connectWithRetry(ctx, cleanURL)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	// One unacked message per consumer: a handler finishes before the broker
	// hands over the next delivery on that queue.
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return err
	}
	if err := declareTopology(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	log.Println("Connected to RabbitMQ and declared topology")
	return nil
}

func (c *Client) connectWithRetry(ctx context.Context, cleanURL string) (*amqp.Connection, error) {
	var lastErr error
	delay := c.cfg.ConnectDelay
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		log.Printf("Connecting to RabbitMQ (attempt %d/%d)", attempt, c.cfg.ConnectAttempts)
		conn, err := c.dial(cleanURL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("Error connecting to RabbitMQ (attempt %d/%d): %v", attempt, c.cfg.ConnectAttempts, err)
		if attempt == c.cfg.ConnectAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("rabbitmq: connect failed after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

func declareTopology(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(
		Exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return err
	}

	if err := channel.ExchangeDeclare(
		DeadLetterExchange, "direct", true, false, false, false, nil,
	); err != nil {
		return err
	}
	dlq, err := channel.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := channel.QueueBind(dlq.Name, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return err
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
	}
	for _, name := range []string{QueueCreationRequests, QueueCreationCompletions} {
		q, err := channel.QueueDeclare(
			name,      // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			queueArgs, // arguments
		)
		if err != nil {
			return err
		}
		if err := channel.QueueBind(q.Name, name, Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all active consumption, waits for in-flight handlers, and then
// closes the channel and connection. No handler is mid-flight when it returns.
func (c *Client) Close() {
	if err := c.StopConsuming(); err != nil {
		log.Printf("Error stopping consumers during close: %v", err)
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	log.Println("RabbitMQ connection closed")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

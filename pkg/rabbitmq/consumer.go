package rabbitmq

import (
	"context"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning nil acknowledges the message;
// returning an error rejects it without requeue, which routes it to the
// dead-letter queue. The context carries the per-message deadline.
//
// Handlers are expected to swallow terminal failures themselves (malformed
// payloads, domain errors already recorded to the ledger) and return an error
// only when the message produced no durable effect at all.
type Handler func(ctx context.Context, body []byte) error

// RegisterConsumer associates one handler with a topic. Registration must
// happen before StartConsuming; a topic can only have one handler.
func (c *Client) RegisterConsumer(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consuming {
		return fmt.Errorf("rabbitmq: cannot register consumer for '%s' while consuming", topic)
	}
	if _, ok := c.consumers[topic]; ok {
		return fmt.Errorf("rabbitmq: consumer already registered for '%s'", topic)
	}
	c.consumers[topic] = handler
	log.Printf("Registered consumer for queue '%s'", topic)
	return nil
}

// StartConsuming begins delivering queued messages to their registered
// handlers, one dispatch goroutine per queue.
func (c *Client) StartConsuming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return fmt.Errorf("rabbitmq: start consuming before connect")
	}
	if c.consuming {
		return nil
	}

	for topic, handler := range c.consumers {
		tag := "provisio-" + topic
		deliveries, err := c.channel.Consume(
			topic, // queue
			tag,   // consumer tag
			false, // auto-ack: acknowledgment is decided per message
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("rabbitmq: consume '%s': %w", topic, err)
		}
		c.tags = append(c.tags, tag)
		c.wg.Add(1)
		go c.dispatch(topic, handler, deliveries)
		log.Printf("Consuming from queue '%s'", topic)
	}
	c.consuming = true
	return nil
}

// StopConsuming cancels every consumer and waits for in-flight handlers to
// finish before returning.
func (c *Client) StopConsuming() error {
	c.mu.Lock()
	if !c.consuming {
		c.mu.Unlock()
		return nil
	}
	tags := c.tags
	c.tags = nil
	c.consuming = false
	c.mu.Unlock()

	var firstErr error
	for _, tag := range tags {
		if err := c.channel.Cancel(tag, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Cancel closes each delivery channel, which ends its dispatch loop.
	c.wg.Wait()
	log.Println("Stopped all RabbitMQ consumers")
	return firstErr
}

func (c *Client) dispatch(topic string, handler Handler, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		c.handleDelivery(topic, handler, d)
	}
}

// handleDelivery runs one message through its handler under the configured
// deadline and settles it with the broker. A handler error dead-letters the
// message; it is never requeued onto the working queue, so one poison message
// cannot block the ones behind it.
func (c *Client) handleDelivery(topic string, handler Handler, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandlerTimeout)
	defer cancel()

	if err := handler(ctx, d.Body); err != nil {
		log.Printf("Handler for queue '%s' failed, dead-lettering message: %v", topic, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Printf("Error nacking message on queue '%s': %v", topic, nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Printf("Error acking message on queue '%s': %v", topic, ackErr)
	}
}

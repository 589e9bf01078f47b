package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish domain
// events. Handlers and the HTTP layer depend on this rather than on Client so
// tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// Publish serializes payload to JSON and sends it to the shared exchange with
// the topic as routing key. The message is marked persistent, so the broker
// stores it before a crash can lose it. The broker-level message id stamped
// here is distinct from the message_id field inside the envelope: it is fresh
// per publish, including replays of an already-processed request.
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}) error {
	if c.channel == nil {
		return errors.New("rabbitmq: publish before connect")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshalling message for topic '%s': %v", topic, err)
		return err
	}

	err = c.channel.PublishWithContext(ctx,
		Exchange, // exchange
		topic,    // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		log.Printf("Failed to publish message to topic '%s': %v", topic, err)
		return err
	}

	log.Printf("Published message to topic '%s'", topic)
	return nil
}

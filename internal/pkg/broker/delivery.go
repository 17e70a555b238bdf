package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// attemptHeader carries an explicit delivery-attempt counter on every
// published message, so the retry budget does not depend on broker-side
// redelivery bookkeeping.
const attemptHeader = "x-attempt"

// Delivery is one received message plus its acknowledgment handle.
type Delivery interface {
	// Body returns the raw message payload.
	Body() []byte
	// Attempt returns the delivery-attempt counter, starting at 1.
	Attempt() int
	// Ack acknowledges the message as durably processed.
	Ack() error
	// Reject refuses the message; with requeue=false the broker routes it
	// to the configured dead-letter queue.
	Reject(requeue bool) error
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte { return a.d.Body }

func (a *amqpDelivery) Attempt() int {
	if a.d.Headers != nil {
		switch v := a.d.Headers[attemptHeader].(type) {
		case int32:
			return int(v)
		case int64:
			return int(v)
		case int:
			return v
		}
	}
	return 1
}

func (a *amqpDelivery) Ack() error { return a.d.Ack(false) }

func (a *amqpDelivery) Reject(requeue bool) error { return a.d.Nack(false, requeue) }

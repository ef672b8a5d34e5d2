// Package bus abstracts the message transport between the pipeline and the
// worker. The real deployment speaks AMQP; tests and virtual runs use the
// in-memory implementation.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("bus: not connected")
)

// Acker finalizes one delivery.
type Acker interface {
	// Ack acknowledges successful processing.
	Ack() error
	// Nack rejects the message; requeue controls redelivery.
	Nack(requeue bool) error
}

// Delivery is one consumed message.
type Delivery struct {
	Topic       string
	Body        []byte
	Redelivered bool

	acker Acker
}

// NewDelivery builds a delivery with an explicit acker. Passing nil makes
// Ack and Nack no-ops, which is what auto-acknowledging transports use.
func NewDelivery(topic string, body []byte, acker Acker) Delivery {
	return Delivery{Topic: topic, Body: body, acker: acker}
}

// Ack acknowledges successful processing of the delivery.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

// Nack rejects the delivery; requeue asks the broker to redeliver it.
func (d *Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nack(requeue)
}

// Subscriber is one active subscription.
type Subscriber interface {
	// C returns a read-only delivery channel. It is closed by Close and on
	// bus shutdown.
	C() <-chan Delivery
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
	Close() error
}

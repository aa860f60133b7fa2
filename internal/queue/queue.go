// Package queue provides the at-least-once notification queue between the
// external execution engine and the lifecycle workers. Messages stay owned by
// the queue until the consumer acknowledges them; an unacknowledged message
// becomes visible again after the visibility timeout and is redelivered.
package queue

import (
	"context"
	"errors"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

// ErrUnknownDelivery is returned when an acknowledgment names a delivery the
// queue does not hold (already acknowledged or expired back to visible).
var ErrUnknownDelivery = errors.New("unknown delivery handle")

// Delivery is one received message plus its receipt.
type Delivery struct {
	Handle  string
	Attempt int
	Message domain.NotificationMessage
}

// Queue is the consumer contract. Implementations must guarantee
// at-least-once delivery and must not drop an unacknowledged message.
type Queue interface {
	// Receive returns up to max messages, hiding them for the visibility
	// timeout. An empty slice means nothing is ready.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	// Ack permanently removes a delivered message. Only call after the
	// corresponding run mutation has been persisted.
	Ack(ctx context.Context, handle string) error
}

// Publisher is the producer contract, used by event ingress and tests.
type Publisher interface {
	Publish(ctx context.Context, msg domain.NotificationMessage) error
}

package app

import (
	"errors"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

// FailureClass decides whether a failed message is worth redelivering.
type FailureClass int

const (
	// Transient failures may succeed on redelivery.
	Transient FailureClass = iota
	// Permanent failures never will; the message is settled.
	Permanent
	// Conflict means the desired state change was already made or is no longer allowed.
	Conflict
)

func (c FailureClass) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	default:
		return "transient"
	}
}

// Classify maps an error to its FailureClass.
func Classify(err error) FailureClass {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, store.ErrConstraintViolation):
		return Permanent
	case errors.Is(err, store.ErrOfferNotTransitioned):
		return Conflict
	default:
		return Transient
	}
}

// Dispose turns a handler result into a delivery disposition. Only transient
// failures are redelivered, after delay.
func Dispose(err error, delay time.Duration) rabbitmq.Disposition {
	if err == nil || Classify(err) != Transient {
		return rabbitmq.Ack()
	}
	return rabbitmq.NackAfter(delay)
}

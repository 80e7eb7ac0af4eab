package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

// NotificationPayload is the user-facing part of a notification.
type NotificationPayload struct {
	Type    string
	Title   string
	Message string
}

// CreditLimitAppliedNotification is sent once an offer becomes active.
var CreditLimitAppliedNotification = NotificationPayload{
	Type:    domain.NotificationCreditLimitApplied,
	Title:   "Credit Limit Active!",
	Message: "Your new credit limit is now available for use.",
}

// NotificationSender publishes user notifications.
type NotificationSender interface {
	Notify(ctx context.Context, userID string, payload NotificationPayload) error
}

// Notifier publishes notifications on the notifications subject. Delivery is best
// effort; failures are logged and returned so the caller can decide what to do.
type Notifier struct {
	publisher rabbitmq.Publisher
}

// NewNotifier creates a new Notifier.
func NewNotifier(publisher rabbitmq.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// Notify publishes payload for userID.
func (n *Notifier) Notify(ctx context.Context, userID string, payload NotificationPayload) error {
	event := domain.NotificationEvent{
		UserID:  userID,
		Type:    payload.Type,
		Title:   payload.Title,
		Message: payload.Message,
	}
	if err := n.publisher.Publish(ctx, domain.SubjectNotifications, event); err != nil {
		log.Printf("level=warn component=notifier msg=\"notification publish failed\" user_id=%s type=%s err=%v", userID, payload.Type, err)
		return fmt.Errorf("publish notification: %w", err)
	}
	log.Printf("level=info component=notifier msg=\"notification published\" user_id=%s type=%s", userID, payload.Type)
	return nil
}

/**
 * @description
 * Consumer for acceptance requests. Activation is a single conditional update, so
 * of any number of concurrent or redelivered requests for one offer exactly one
 * activates it and sends the notification; the rest are settled without effect.
 *
 * @dependencies
 * - internal/store: OfferStore.
 * - pkg/rabbitmq: delivery dispositions.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

// AcceptanceWorker activates accepted offers.
type AcceptanceWorker struct {
	offers    store.OfferStore
	notifier  NotificationSender
	nackDelay time.Duration
}

// NewAcceptanceWorker creates a new AcceptanceWorker.
func NewAcceptanceWorker(offers store.OfferStore, notifier NotificationSender, nackDelay time.Duration) *AcceptanceWorker {
	return &AcceptanceWorker{offers: offers, notifier: notifier, nackDelay: nackDelay}
}

// HandleMessage processes one delivery from the accepted-offers subject.
func (w *AcceptanceWorker) HandleMessage(ctx context.Context, body []byte) rabbitmq.Disposition {
	req, err := domain.DecodeAcceptanceRequest(body)
	if err != nil {
		log.Printf("level=error component=acceptance_worker msg=\"dropping invalid acceptance request\" err=%v", err)
		return rabbitmq.Ack()
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := w.offers.ActivateOffer(ctx, req.OfferID, req.UserID); err != nil {
		if errors.Is(err, store.ErrOfferNotTransitioned) {
			log.Printf("level=warn component=acceptance_worker msg=\"offer not activated; already processed, expired or not owned\" offer_id=%s user_id=%s", req.OfferID, req.UserID)
			return rabbitmq.Ack()
		}
		disposition := Dispose(err, w.nackDelay)
		log.Printf("level=error component=acceptance_worker msg=\"offer activation failed\" offer_id=%s user_id=%s disposition=%s err=%v", req.OfferID, req.UserID, disposition, err)
		return disposition
	}
	log.Printf("level=info component=acceptance_worker msg=\"offer activated\" offer_id=%s user_id=%s", req.OfferID, req.UserID)

	if err := w.notifier.Notify(ctx, req.UserID, CreditLimitAppliedNotification); err != nil {
		// The redelivery will find the offer already active and settle without notifying.
		log.Printf("level=warn component=acceptance_worker msg=\"activation notification failed; nacking\" offer_id=%s user_id=%s err=%v", req.OfferID, req.UserID, err)
		return rabbitmq.NackAfter(w.nackDelay)
	}
	return rabbitmq.Ack()
}

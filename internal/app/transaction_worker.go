package app

import (
	"context"
	"log"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

// TransactionWorker records transaction events as immutable rows.
// Redelivered messages may produce duplicate rows; there is no de-duplication key.
type TransactionWorker struct {
	store     store.TransactionStore
	nackDelay time.Duration
}

// NewTransactionWorker creates a new TransactionWorker.
func NewTransactionWorker(s store.TransactionStore, nackDelay time.Duration) *TransactionWorker {
	return &TransactionWorker{store: s, nackDelay: nackDelay}
}

// HandleMessage processes one delivery from the transactions subject.
func (w *TransactionWorker) HandleMessage(ctx context.Context, body []byte) rabbitmq.Disposition {
	event, err := domain.DecodeTransactionEvent(body)
	if err != nil {
		log.Printf("level=error component=transaction_worker msg=\"dropping invalid transaction event\" err=%v", err)
		return rabbitmq.Ack()
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	id, err := w.store.InsertTransaction(ctx, event.UserID, *event.Amount)
	if err != nil {
		disposition := Dispose(err, w.nackDelay)
		log.Printf("level=error component=transaction_worker msg=\"transaction insert failed\" user_id=%s class=%s disposition=%s err=%v",
			event.UserID, Classify(err), disposition, err)
		return disposition
	}

	log.Printf("level=info component=transaction_worker msg=\"transaction recorded\" id=%d user_id=%s amount=%.2f", id, event.UserID, *event.Amount)
	return rabbitmq.Ack()
}

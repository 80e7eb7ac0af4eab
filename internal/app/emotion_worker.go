/**
 * @description
 * Consumer for emotion readings. Each reading is merged into the user's running
 * daily summary with a single upsert, so concurrent replicas never lose an update.
 *
 * @dependencies
 * - internal/store: EmotionSummaryStore.
 * - pkg/rabbitmq: delivery dispositions.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

// handlerTimeout bounds the store work of a single delivery.
const handlerTimeout = 15 * time.Second

// EmotionWorker aggregates emotion readings.
type EmotionWorker struct {
	store     store.EmotionSummaryStore
	nackDelay time.Duration
}

// NewEmotionWorker creates a new EmotionWorker.
func NewEmotionWorker(s store.EmotionSummaryStore, nackDelay time.Duration) *EmotionWorker {
	return &EmotionWorker{store: s, nackDelay: nackDelay}
}

// HandleMessage processes one delivery from the emotions subject.
func (w *EmotionWorker) HandleMessage(ctx context.Context, body []byte) rabbitmq.Disposition {
	event, err := domain.DecodeEmotionEvent(body)
	if err != nil {
		log.Printf("level=error component=emotion_worker msg=\"dropping invalid emotion event\" err=%v", err)
		return rabbitmq.Ack()
	}
	date, _ := event.SummaryDate()
	metrics := event.EmotionEvent.Metrics

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	err = w.store.UpsertEmotionSummary(ctx, store.EmotionReading{
		UserID:      event.UserID,
		SummaryDate: date,
		Positivity:  *metrics.Positivity,
		Intensity:   *metrics.Intensity,
		StressLevel: *metrics.StressLevel,
	})
	if err != nil {
		disposition := Dispose(err, w.nackDelay)
		log.Printf("level=error component=emotion_worker msg=\"emotion summary upsert failed\" user_id=%s trace_id=%s class=%s disposition=%s err=%v",
			event.UserID, event.TraceID, Classify(err), disposition, err)
		return disposition
	}

	log.Printf("level=info component=emotion_worker msg=\"emotion summary updated\" user_id=%s date=%s trace_id=%s",
		event.UserID, date.Format("2006-01-02"), event.TraceID)
	return rabbitmq.Ack()
}

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
)

// expiryJobTimeout bounds one run of the expiry statement.
const expiryJobTimeout = 30 * time.Second

// OfferExpiryJob moves overdue offers from offered to expired. It is safe to run on
// several replicas at once because the transition is one conditional statement.
type OfferExpiryJob struct {
	offers  store.OfferStore
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOfferExpiryJob creates a new OfferExpiryJob. m may be nil.
func NewOfferExpiryJob(offers store.OfferStore, logger *slog.Logger, m *metrics.Metrics) *OfferExpiryJob {
	return &OfferExpiryJob{offers: offers, logger: logger, metrics: m}
}

// Run performs one expiry pass and reports how many offers expired.
func (j *OfferExpiryJob) Run(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, expiryJobTimeout)
	defer cancel()

	expired, err := j.offers.ExpireOffers(ctx)
	if err != nil {
		j.logger.Error("offer expiry pass failed", "error", err)
		return 0, err
	}
	j.metrics.OffersExpired(expired)
	if expired > 0 {
		j.logger.Info("expired overdue credit offers", "count", expired)
	} else {
		j.logger.Debug("no overdue credit offers")
	}
	return expired, nil
}

// ProcessOfferExpiry is the cron entry point.
func (j *OfferExpiryJob) ProcessOfferExpiry() {
	j.logger.Info("starting offer expiry job")
	_, _ = j.Run(context.Background())
}

/**
 * @description
 * Cron scheduler for periodic jobs.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron           *cron.Cron
	expiry         *OfferExpiryJob
	logger         *slog.Logger
	expirySchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(expiry *OfferExpiryJob, logger *slog.Logger, expirySchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:           c,
		expiry:         expiry,
		logger:         logger,
		expirySchedule: expirySchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.expirySchedule, s.expiry.ProcessOfferExpiry); err != nil {
		s.logger.Error("failed to schedule offer expiry job", "error", err, "schedule", s.expirySchedule)
		return fmt.Errorf("schedule offer expiry job: %w", err)
	}
	s.logger.Info("scheduled offer expiry job", "schedule", s.expirySchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

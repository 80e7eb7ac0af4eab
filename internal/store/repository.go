/**
 * @description
 * Data access contracts for the credit pipeline. Each worker depends only on the
 * narrow interface it needs; PostgresRepository implements all of them.
 *
 * @dependencies
 * - github.com/google/uuid: offer and user identifiers.
 * - internal/domain: row types shared with the application layer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ecs/credit-pipeline/internal/domain"
)

var (
	// ErrOfferNotFound is returned when no acceptable offer matches id and user.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferNotTransitioned is returned when a conditional status update touched no row.
	ErrOfferNotTransitioned = errors.New("offer not in a transitionable state")
	// ErrConstraintViolation wraps rows the database refuses to store.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrUserNotFound is returned when no account has the email.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when an account with the email already exists.
	ErrEmailTaken = errors.New("email already registered")
)

// StressLevelThreshold is the daily average stress at which a day counts toward stress events.
const StressLevelThreshold = 0.7

// EmotionReading is one validated emotion event reduced to what the summary needs.
type EmotionReading struct {
	UserID      string
	SummaryDate time.Time
	Positivity  float64
	Intensity   float64
	StressLevel float64
}

// FeatureAggregates are the raw aggregates behind a feature vector.
// AvgPositivity7d is nil when the user has no summaries in the window.
type FeatureAggregates struct {
	TransactionCount30d    int
	AvgTransactionValue30d float64
	AvgPositivity7d        *float64
	StressEvents30d        int
}

// EmotionSummaryStore persists the running per-day emotion aggregate.
type EmotionSummaryStore interface {
	// UpsertEmotionSummary merges one reading into the user's summary for the day
	// in a single statement.
	UpsertEmotionSummary(ctx context.Context, reading EmotionReading) error
}

// TransactionStore appends transaction rows.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, userID string, amount float64) (int64, error)
}

// FeatureStore reads scoring inputs.
type FeatureStore interface {
	LoadFeatureAggregates(ctx context.Context, userID string) (FeatureAggregates, error)
}

// OfferStore holds credit offers and enforces their status transitions.
type OfferStore interface {
	InsertOffer(ctx context.Context, offer *domain.CreditOffer) error
	// FindAcceptableOffer returns the offer only if it is still offered and unexpired.
	FindAcceptableOffer(ctx context.Context, offerID uuid.UUID, userID string) (*domain.CreditOffer, error)
	// ActivateOffer moves offered → active. Returns ErrOfferNotTransitioned when no row matched.
	ActivateOffer(ctx context.Context, offerID uuid.UUID, userID string) error
	// ExpireOffers moves every overdue offered row to expired and reports how many moved.
	ExpireOffers(ctx context.Context) (int64, error)
	ListOffersByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditOffer, int, error)
}

// UserStore holds accounts. Emails are stored as given; callers normalize them.
type UserStore interface {
	// CreateUser inserts the account and returns ErrEmailTaken on a duplicate email.
	CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
}

// Repository is the union of every store contract.
type Repository interface {
	EmotionSummaryStore
	TransactionStore
	FeatureStore
	OfferStore
	UserStore
}

/**
 * @description
 * PostgreSQL implementation of the store contracts. Every state change that must be
 * safe under concurrent replicas is a single conditional statement.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: driver, pool and error types.
 * - internal/domain: row types.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecs/credit-pipeline/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const upsertEmotionSummarySQL = `
INSERT INTO emotional_events_summary
    (user_id, summary_date, avg_positivity_score, avg_intensity_score, avg_stress_level, event_count, updated_at)
VALUES ($1, $2::date, $3, $4, $5, 1, now())
ON CONFLICT (user_id, summary_date) DO UPDATE SET
    avg_positivity_score = (emotional_events_summary.avg_positivity_score * emotional_events_summary.event_count + EXCLUDED.avg_positivity_score) / (emotional_events_summary.event_count + 1),
    avg_intensity_score  = (emotional_events_summary.avg_intensity_score * emotional_events_summary.event_count + EXCLUDED.avg_intensity_score) / (emotional_events_summary.event_count + 1),
    avg_stress_level     = (emotional_events_summary.avg_stress_level * emotional_events_summary.event_count + EXCLUDED.avg_stress_level) / (emotional_events_summary.event_count + 1),
    event_count          = emotional_events_summary.event_count + 1,
    updated_at           = now()`

// UpsertEmotionSummary merges a reading into the day summary. Concurrent merges for the
// same key serialize on the row lock taken by ON CONFLICT, so no reading is lost.
func (r *PostgresRepository) UpsertEmotionSummary(ctx context.Context, reading EmotionReading) error {
	_, err := r.db.Exec(ctx, upsertEmotionSummarySQL,
		reading.UserID,
		reading.SummaryDate.Format("2006-01-02"),
		reading.Positivity,
		reading.Intensity,
		reading.StressLevel,
	)
	if err != nil {
		return classifyPgError(fmt.Errorf("upsert emotion summary: %w", err))
	}
	return nil
}

// InsertTransaction appends a transaction row stamped with the database clock.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, userID string, amount float64) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO transactions (user_id, amount, created_at) VALUES ($1, $2, now()) RETURNING id`,
		userID, amount,
	).Scan(&id)
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("insert transaction: %w", err))
	}
	return id, nil
}

const featureAggregatesSQL = `
SELECT
    (SELECT COUNT(*) FROM transactions
        WHERE user_id = $1 AND created_at >= now() - INTERVAL '30 days'),
    (SELECT COALESCE(AVG(amount), 0)::float8 FROM transactions
        WHERE user_id = $1 AND created_at >= now() - INTERVAL '30 days'),
    (SELECT AVG(avg_positivity_score)::float8 FROM emotional_events_summary
        WHERE user_id = $1 AND summary_date >= (now() - INTERVAL '7 days')::date),
    (SELECT COALESCE(SUM(event_count), 0) FROM emotional_events_summary
        WHERE user_id = $1 AND summary_date >= (now() - INTERVAL '30 days')::date
          AND avg_stress_level >= $2)`

// LoadFeatureAggregates reads all scoring inputs in one round trip.
func (r *PostgresRepository) LoadFeatureAggregates(ctx context.Context, userID string) (FeatureAggregates, error) {
	var (
		txCount      int64
		avgTxValue   float64
		avgPositive  *float64
		stressEvents int64
	)
	err := r.db.QueryRow(ctx, featureAggregatesSQL, userID, StressLevelThreshold).
		Scan(&txCount, &avgTxValue, &avgPositive, &stressEvents)
	if err != nil {
		return FeatureAggregates{}, fmt.Errorf("load feature aggregates: %w", err)
	}
	return FeatureAggregates{
		TransactionCount30d:    int(txCount),
		AvgTransactionValue30d: avgTxValue,
		AvgPositivity7d:        avgPositive,
		StressEvents30d:        int(stressEvents),
	}, nil
}

const offerColumns = `id, user_id, credit_limit, interest_rate, credit_type, status, expires_at, activated_at, created_at, updated_at`

// InsertOffer stores a freshly decided offer and fills in the database timestamps.
func (r *PostgresRepository) InsertOffer(ctx context.Context, offer *domain.CreditOffer) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO credit_limits (id, user_id, credit_limit, interest_rate, credit_type, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 RETURNING created_at, updated_at`,
		offer.ID, offer.UserID, offer.CreditLimit, offer.InterestRate, offer.CreditType, string(offer.Status), offer.ExpiresAt,
	).Scan(&offer.CreatedAt, &offer.UpdatedAt)
	if err != nil {
		return classifyPgError(fmt.Errorf("insert offer: %w", err))
	}
	return nil
}

// FindAcceptableOffer is the read-only check made before an acceptance is requested.
func (r *PostgresRepository) FindAcceptableOffer(ctx context.Context, offerID uuid.UUID, userID string) (*domain.CreditOffer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM credit_limits
		 WHERE id = $1 AND user_id = $2 AND status = 'offered' AND expires_at > now()`,
		offerID, userID,
	)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("find acceptable offer: %w", err)
	}
	return offer, nil
}

// ActivateOffer performs the offered → active transition. The expiry guard keeps an
// overdue offer from activating even if the expiry job has not reached it yet.
func (r *PostgresRepository) ActivateOffer(ctx context.Context, offerID uuid.UUID, userID string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE credit_limits
		 SET status = 'active', activated_at = now(), updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = 'offered' AND expires_at > now()`,
		offerID, userID,
	)
	if err != nil {
		return fmt.Errorf("activate offer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrOfferNotTransitioned
	}
	return nil
}

// ExpireOffers performs the offered → expired transition for every overdue offer.
func (r *PostgresRepository) ExpireOffers(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE credit_limits
		 SET status = 'expired', updated_at = now()
		 WHERE status = 'offered' AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListOffersByUser returns one page of offers, newest first, and the user's total.
func (r *PostgresRepository) ListOffersByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditOffer, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM credit_limits WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count offers: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+offerColumns+` FROM credit_limits
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	offers := make([]domain.CreditOffer, 0, limit)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, *offer)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate offers: %w", err)
	}
	return offers, total, nil
}

func scanOffer(row pgx.Row) (*domain.CreditOffer, error) {
	var (
		offer  domain.CreditOffer
		status string
	)
	if err := row.Scan(
		&offer.ID,
		&offer.UserID,
		&offer.CreditLimit,
		&offer.InterestRate,
		&offer.CreditType,
		&status,
		&offer.ExpiresAt,
		&offer.ActivatedAt,
		&offer.CreatedAt,
		&offer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	offer.Status = domain.OfferStatus(status)
	return &offer, nil
}

const userColumns = `id, email, password_hash, created_at, updated_at`

// CreateUser stores a new account with a fresh id.
func (r *PostgresRepository) CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error) {
	user := &domain.User{ID: uuid.New(), Email: email, PasswordHash: passwordHash}
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 RETURNING created_at, updated_at`,
		user.ID, user.Email, user.PasswordHash,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, ErrEmailTaken
		}
		return nil, classifyPgError(fmt.Errorf("insert user: %w", err))
	}
	return user, nil
}

// FindUserByEmail returns ErrUserNotFound when no account matches.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// classifyPgError marks data the database will never accept so callers do not retry it.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23502", "23514", "22003", "22P02":
		// not_null_violation, check_violation, numeric_value_out_of_range, invalid_text_representation
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}

/**
 * @description
 * Credit decision service. It assembles a user's features, obtains a risk score
 * through the circuit breaker, turns the score into an offer, and requests
 * acceptance of existing offers over the bus.
 *
 * @dependencies
 * - github.com/shopspring/decimal: two-decimal rounding of limit and rate.
 * - internal/circuitbreaker: scorer protection.
 * - internal/cache, internal/store: cache-aside reads and offer persistence.
 * - pkg/rabbitmq: acceptance requests.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/circuitbreaker"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
	"github.com/ecs/credit-pipeline/pkg/scorerclient"
)

var (
	// ErrScorerOverloaded is returned while the scorer breaker is open.
	ErrScorerOverloaded = errors.New("risk scorer overloaded")
	// ErrScorerUnavailable covers scorer network errors, timeouts and 5xx answers.
	ErrScorerUnavailable = errors.New("risk scorer unavailable")
	// ErrInvalidScore is returned when the scorer answers without a usable score.
	ErrInvalidScore = errors.New("risk scorer returned an invalid score")
	// ErrOfferNotFound is returned when no acceptable offer matches.
	ErrOfferNotFound = store.ErrOfferNotFound
	// ErrPublishFailed is returned when the bus refuses an acceptance request.
	ErrPublishFailed = errors.New("failed to publish acceptance request")
	// ErrInvalidPagination rejects out-of-range page parameters.
	ErrInvalidPagination = errors.New("invalid pagination parameters")
	// ErrInvalidUserID rejects an empty user id.
	ErrInvalidUserID = errors.New("invalid user id")
)

// Offer terms.
const (
	DeniedReasonHighRisk = "High risk score."
	MinCreditLimit       = 1000
	MaxCreditLimit       = 10000
	BaseInterestRate     = 5
	RiskInterestRate     = 15
	DefaultPageSize      = 10
	MaxPageSize          = 100
	DefaultRiskThreshold = 0.6
)

// Scorer returns a risk score in [0,1] for a feature vector.
type Scorer interface {
	Score(ctx context.Context, features domain.FeatureVector) (float64, error)
}

// CreditConfig tunes the decision rules.
type CreditConfig struct {
	// RiskThreshold outside [0,1] falls back to DefaultRiskThreshold. Zero
	// approves only a risk score of exactly 0.
	RiskThreshold float64
	CacheTTL      time.Duration
	OfferTTL      time.Duration
}

// CreditService implements analysis, acceptance requests and offer listing.
type CreditService struct {
	features  store.FeatureStore
	offers    store.OfferStore
	cache     cache.Cache
	scorer    Scorer
	breaker   *circuitbreaker.Breaker
	publisher rabbitmq.Publisher
	metrics   *metrics.Metrics
	cfg       CreditConfig
	now       func() time.Time
}

// NewCreditService wires the service. m may be nil.
func NewCreditService(
	repo store.Repository,
	c cache.Cache,
	scorer Scorer,
	breaker *circuitbreaker.Breaker,
	publisher rabbitmq.Publisher,
	m *metrics.Metrics,
	cfg CreditConfig,
) *CreditService {
	if cfg.RiskThreshold < 0 || cfg.RiskThreshold > 1 {
		cfg.RiskThreshold = DefaultRiskThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 7 * 24 * time.Hour
	}
	return &CreditService{
		features:  repo,
		offers:    repo,
		cache:     c,
		scorer:    scorer,
		breaker:   breaker,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Analyze produces a credit decision for userID and persists the offer when approved.
func (s *CreditService) Analyze(ctx context.Context, userID string) (*domain.Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	features, err := s.loadFeatures(ctx, userID)
	if err != nil {
		return nil, err
	}

	risk, err := s.riskScore(ctx, userID, features)
	if err != nil {
		return nil, err
	}

	if risk > s.cfg.RiskThreshold {
		s.metrics.Decision("denied")
		log.Printf("level=info component=credit_service msg=\"credit denied\" user_id=%s risk_score=%.4f", userID, risk)
		return &domain.Decision{
			UserID:    userID,
			Approved:  false,
			RiskScore: risk,
			Reason:    DeniedReasonHighRisk,
		}, nil
	}

	limit, rate := OfferTerms(risk)
	offer := &domain.CreditOffer{
		ID:           uuid.New(),
		UserID:       userID,
		CreditLimit:  limit,
		InterestRate: rate,
		CreditType:   domain.CreditTypeShortTermPersonalLoan,
		Status:       domain.OfferStatusOffered,
		ExpiresAt:    s.now().UTC().Add(s.cfg.OfferTTL),
	}
	if err := s.offers.InsertOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("persist offer: %w", err)
	}

	s.metrics.Decision("approved")
	log.Printf("level=info component=credit_service msg=\"credit offer created\" user_id=%s offer_id=%s limit=%.2f rate=%.2f risk_score=%.4f",
		userID, offer.ID, limit, rate, risk)
	return &domain.Decision{
		UserID:    userID,
		Approved:  true,
		RiskScore: risk,
		Offer:     offer,
	}, nil
}

// OfferTerms derives the credit limit and interest rate from a risk score, both
// rounded half away from zero to two decimals.
func OfferTerms(risk float64) (limit float64, rate float64) {
	r := decimal.NewFromFloat(risk)
	one := decimal.NewFromInt(1)

	rawLimit := one.Sub(r).Mul(decimal.NewFromInt(MaxCreditLimit))
	limitDec := decimal.Max(decimal.NewFromInt(MinCreditLimit), rawLimit).Round(2)
	rateDec := decimal.NewFromInt(BaseInterestRate).Add(r.Mul(decimal.NewFromInt(RiskInterestRate))).Round(2)

	limit, _ = limitDec.Float64()
	rate, _ = rateDec.Float64()
	return limit, rate
}

func (s *CreditService) riskScore(ctx context.Context, userID string, features domain.FeatureVector) (float64, error) {
	if score, ok := s.cachedRiskScore(ctx, userID); ok {
		return score, nil
	}

	var score float64
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var scoreErr error
		score, scoreErr = s.scorer.Score(ctx, features)
		if scoreErr == nil && !validRiskScore(score) {
			scoreErr = fmt.Errorf("%w: risk_score %v outside [0,1]", scorerclient.ErrInvalidScore, score)
		}
		return scoreErr
	})
	if err != nil {
		kind, mapped := mapScorerError(err)
		s.metrics.ScorerRequest(time.Since(start), kind)
		log.Printf("level=warn component=credit_service msg=\"risk scoring failed\" user_id=%s kind=%s err=%v", userID, kind, err)
		return 0, mapped
	}
	s.metrics.ScorerRequest(time.Since(start), "")

	s.storeRiskScore(ctx, userID, score)
	return score, nil
}

func mapScorerError(err error) (string, error) {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open", fmt.Errorf("%w: %v", ErrScorerOverloaded, err)
	case errors.Is(err, scorerclient.ErrInvalidScore):
		return "invalid_score", fmt.Errorf("%w: %v", ErrInvalidScore, err)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	default:
		return "unavailable", fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
}

// RequestAcceptance checks the offer is acceptable and hands activation to the
// acceptance worker. The check is read-only; the worker's conditional update decides.
func (s *CreditService) RequestAcceptance(ctx context.Context, offerID uuid.UUID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserID
	}

	offer, err := s.offers.FindAcceptableOffer(ctx, offerID, userID)
	if err != nil {
		if errors.Is(err, store.ErrOfferNotFound) {
			return ErrOfferNotFound
		}
		return fmt.Errorf("validate offer: %w", err)
	}

	request := domain.AcceptanceRequest{
		SchemaVersion: domain.CurrentSchemaVersion,
		OfferID:       offer.ID,
		UserID:        offer.UserID,
		AcceptedAt:    s.now().UTC(),
		CreditLimit:   offer.CreditLimit,
		InterestRate:  offer.InterestRate,
		CreditType:    offer.CreditType,
	}
	if err := s.publisher.Publish(ctx, domain.SubjectOfferAccepted, request); err != nil {
		log.Printf("level=error component=credit_service msg=\"acceptance request publish failed\" offer_id=%s user_id=%s err=%v", offerID, userID, err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	log.Printf("level=info component=credit_service msg=\"acceptance requested\" offer_id=%s user_id=%s", offerID, userID)
	return nil
}

// ListOffers returns one page of a user's offers, newest first.
func (s *CreditService) ListOffers(ctx context.Context, userID string, page, pageSize int) (*domain.OfferPage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if page < 1 || pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: page=%d page_size=%d", ErrInvalidPagination, page, pageSize)
	}
	// The offset must fit in an int.
	if page-1 > math.MaxInt/pageSize {
		return nil, fmt.Errorf("%w: page=%d is too large", ErrInvalidPagination, page)
	}

	offers, total, err := s.offers.ListOffersByUser(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return &domain.OfferPage{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Items:    offers,
	}, nil
}

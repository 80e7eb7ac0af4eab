package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
)

// DefaultAvgPositivity is used when a user has no emotion summaries in the last 7 days.
const DefaultAvgPositivity = 0.5

// cachedScore is the JSON stored under cache.ScoreKey.
type cachedScore struct {
	RiskScore float64 `json:"risk_score"`
}

// buildFeatureVector applies the defaults for missing aggregates.
func buildFeatureVector(agg store.FeatureAggregates) domain.FeatureVector {
	positivity := DefaultAvgPositivity
	if agg.AvgPositivity7d != nil {
		positivity = *agg.AvgPositivity7d
	}
	return domain.FeatureVector{
		TransactionCount30d:    agg.TransactionCount30d,
		AvgTransactionValue30d: agg.AvgTransactionValue30d,
		AvgPositivity7d:        positivity,
		StressEvents30d:        agg.StressEvents30d,
	}
}

// loadFeatures reads the feature vector cache-aside. Cache failures fall through to the store.
func (s *CreditService) loadFeatures(ctx context.Context, userID string) (domain.FeatureVector, error) {
	key := cache.FeatureKey(userID)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var features domain.FeatureVector
		if jsonErr := json.Unmarshal(raw, &features); jsonErr == nil {
			s.metrics.CacheHit("features")
			return features, nil
		}
		log.Printf("level=warn component=credit_service msg=\"discarding undecodable cached features\" user_id=%s", userID)
		s.metrics.CacheMiss("features")
	} else if errors.Is(err, cache.ErrMiss) {
		s.metrics.CacheMiss("features")
	} else {
		s.metrics.CacheError("features", "get")
		log.Printf("level=warn component=credit_service msg=\"feature cache read failed; using store\" user_id=%s err=%v", userID, err)
	}

	agg, err := s.features.LoadFeatureAggregates(ctx, userID)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("load features: %w", err)
	}
	features := buildFeatureVector(agg)

	if raw, err := json.Marshal(features); err == nil {
		if setErr := s.cache.Set(ctx, key, raw, s.cfg.CacheTTL); setErr != nil {
			s.metrics.CacheError("features", "set")
			log.Printf("level=warn component=credit_service msg=\"feature cache write failed\" user_id=%s err=%v", userID, setErr)
		}
	}
	return features, nil
}

// cachedRiskScore returns a previously computed score, if a valid one is cached.
func (s *CreditService) cachedRiskScore(ctx context.Context, userID string) (float64, bool) {
	raw, err := s.cache.Get(ctx, cache.ScoreKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			s.metrics.CacheMiss("score")
		} else {
			s.metrics.CacheError("score", "get")
			log.Printf("level=warn component=credit_service msg=\"score cache read failed; calling scorer\" user_id=%s err=%v", userID, err)
		}
		return 0, false
	}
	var cached cachedScore
	if err := json.Unmarshal(raw, &cached); err != nil || !validRiskScore(cached.RiskScore) {
		s.metrics.CacheMiss("score")
		return 0, false
	}
	s.metrics.CacheHit("score")
	return cached.RiskScore, true
}

func (s *CreditService) storeRiskScore(ctx context.Context, userID string, score float64) {
	raw, err := json.Marshal(cachedScore{RiskScore: score})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.ScoreKey(userID), raw, s.cfg.CacheTTL); err != nil {
		s.metrics.CacheError("score", "set")
		log.Printf("level=warn component=credit_service msg=\"score cache write failed\" user_id=%s err=%v", userID, err)
	}
}

func validRiskScore(score float64) bool {
	return !math.IsNaN(score) && score >= 0 && score <= 1
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus is the lifecycle state of a credit offer as stored in credit_limits.
type OfferStatus string

const (
	OfferStatusOffered OfferStatus = "offered"
	OfferStatusActive  OfferStatus = "active"
	OfferStatusExpired OfferStatus = "expired"
)

// CreditTypeShortTermPersonalLoan is the only product issued today.
const CreditTypeShortTermPersonalLoan = "SHORT_TERM_PERSONAL_LOAN"

// Notification types published on SubjectNotifications.
const (
	NotificationCreditLimitApplied = "CREDIT_LIMIT_APPLIED"
)

// EmotionalSummary is the running per-user, per-day aggregate of emotion readings.
type EmotionalSummary struct {
	UserID        string    `json:"userId"`
	SummaryDate   time.Time `json:"summaryDate"`
	AvgPositivity float64   `json:"avgPositivity"`
	AvgIntensity  float64   `json:"avgIntensity"`
	AvgStress     float64   `json:"avgStress"`
	EventCount    int       `json:"eventCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TransactionRecord is an immutable transaction row.
type TransactionRecord struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// FeatureVector is the input sent to the risk scorer.
type FeatureVector struct {
	TransactionCount30d    int     `json:"transaction_count_30d"`
	AvgTransactionValue30d float64 `json:"avg_transaction_value_30d"`
	AvgPositivity7d        float64 `json:"avg_positivity_7d"`
	StressEvents30d        int     `json:"stress_events_30d"`
}

// CreditOffer mirrors a credit_limits row.
type CreditOffer struct {
	ID           uuid.UUID   `json:"id"`
	UserID       string      `json:"userId"`
	CreditLimit  float64     `json:"creditLimit"`
	InterestRate float64     `json:"interestRate"`
	CreditType   string      `json:"creditType"`
	Status       OfferStatus `json:"status"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	ActivatedAt  *time.Time  `json:"activatedAt,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Decision is the outcome of a credit analysis.
type Decision struct {
	UserID    string       `json:"userId"`
	Approved  bool         `json:"approved"`
	RiskScore float64      `json:"riskScore"`
	Offer     *CreditOffer `json:"offer,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// OfferPage is one page of a user's offers, newest first.
type OfferPage struct {
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Items    []CreditOffer `json:"items"`
}

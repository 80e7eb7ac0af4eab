/**
 * @description
 * Bus payloads exchanged between the ingestion endpoints, the workers and the
 * credit service. Every consumer decodes its payload through the Decode* helpers
 * below, so field presence and bounds are checked once, at the edge of the consumer.
 *
 * @notes
 * - Field names are the canonical JSON names used on the wire (camelCase, except
 *   `stress_level` which is snake_case for historical reasons).
 * - Out-of-range values are rejected, never clamped.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bus subjects. They double as routing keys on the events exchange.
const (
	SubjectEmotions      = "user.emotions.topic"
	SubjectTransactions  = "transactions.topic"
	SubjectOfferAccepted = "credit.offers.approved"
	SubjectNotifications = "user.notifications"
)

// CurrentSchemaVersion is the only payload version understood by the consumers.
// A missing schemaVersion is read as version 1.
const CurrentSchemaVersion = 1

// ErrInvalidPayload marks a message that can never be processed successfully.
var ErrInvalidPayload = errors.New("invalid payload")

// EmotionMetrics holds the three scores of a reading. Pointers keep track of
// whether a field was present in the payload.
type EmotionMetrics struct {
	Positivity  *float64 `json:"positivity"`
	Intensity   *float64 `json:"intensity"`
	StressLevel *float64 `json:"stress_level"`
}

// EmotionPayload names the analysis that produced the metrics.
type EmotionPayload struct {
	Type    string         `json:"type"`
	Metrics EmotionMetrics `json:"metrics"`
}

// EmotionEvent is one emotional-state reading published on SubjectEmotions.
type EmotionEvent struct {
	SchemaVersion int            `json:"schemaVersion,omitempty"`
	UserID        string         `json:"userId"`
	Timestamp     string         `json:"timestamp"`
	EmotionEvent  EmotionPayload `json:"emotionEvent"`
	TraceID       string         `json:"traceId,omitempty"`
}

// TransactionEvent is one monetary transaction published on SubjectTransactions.
type TransactionEvent struct {
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	UserID        string   `json:"userId"`
	Amount        *float64 `json:"amount"`
}

// AcceptanceRequest asks the acceptance worker to activate an offer.
type AcceptanceRequest struct {
	SchemaVersion int       `json:"schemaVersion,omitempty"`
	OfferID       uuid.UUID `json:"offerId"`
	UserID        string    `json:"userId"`
	AcceptedAt    time.Time `json:"acceptedAt"`
	CreditLimit   float64   `json:"creditLimit,omitempty"`
	InterestRate  float64   `json:"interestRate,omitempty"`
	CreditType    string    `json:"creditType,omitempty"`
}

// NotificationEvent is a user-facing message published on SubjectNotifications.
type NotificationEvent struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// timestampLayouts are tried in order when reading EmotionEvent.Timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// DecodeEmotionEvent parses and validates an emotion payload.
func DecodeEmotionEvent(body []byte) (EmotionEvent, error) {
	var event EmotionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return EmotionEvent{}, fmt.Errorf("%w: decode emotion event: %v", ErrInvalidPayload, err)
	}
	if err := event.Validate(); err != nil {
		return EmotionEvent{}, err
	}
	return event, nil
}

// Validate checks presence and bounds of every field.
func (e EmotionEvent) Validate() error {
	if err := checkSchemaVersion(e.SchemaVersion); err != nil {
		return err
	}
	if strings.TrimSpace(e.UserID) == "" {
		return invalid("userId is required")
	}
	if _, err := e.OccurredAt(); err != nil {
		return err
	}
	if strings.TrimSpace(e.EmotionEvent.Type) == "" {
		return invalid("emotionEvent.type is required")
	}
	m := e.EmotionEvent.Metrics
	if err := checkUnitInterval("positivity", m.Positivity); err != nil {
		return err
	}
	if err := checkUnitInterval("intensity", m.Intensity); err != nil {
		return err
	}
	return checkUnitInterval("stress_level", m.StressLevel)
}

// OccurredAt parses the event timestamp. Timestamps without a zone are read as UTC.
func (e EmotionEvent) OccurredAt() (time.Time, error) {
	raw := strings.TrimSpace(e.Timestamp)
	if raw == "" {
		return time.Time{}, invalid("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid(fmt.Sprintf("timestamp %q is not ISO 8601", raw))
}

// SummaryDate is the calendar date the reading belongs to, taken in the
// timestamp's own offset.
func (e EmotionEvent) SummaryDate() (time.Time, error) {
	t, err := e.OccurredAt()
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
}

// DecodeTransactionEvent parses and validates a transaction payload.
func DecodeTransactionEvent(body []byte) (TransactionEvent, error) {
	var event TransactionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return TransactionEvent{}, fmt.Errorf("%w: decode transaction event: %v", ErrInvalidPayload, err)
	}
	if err := event.Validate(); err != nil {
		return TransactionEvent{}, err
	}
	return event, nil
}

// Validate checks that the user is set and the amount is strictly positive.
func (e TransactionEvent) Validate() error {
	if err := checkSchemaVersion(e.SchemaVersion); err != nil {
		return err
	}
	if strings.TrimSpace(e.UserID) == "" {
		return invalid("userId is required")
	}
	if e.Amount == nil {
		return invalid("amount is required")
	}
	if math.IsNaN(*e.Amount) || math.IsInf(*e.Amount, 0) || *e.Amount <= 0 {
		return invalid(fmt.Sprintf("amount must be > 0, got %v", *e.Amount))
	}
	return nil
}

// DecodeAcceptanceRequest parses and validates an acceptance request.
func DecodeAcceptanceRequest(body []byte) (AcceptanceRequest, error) {
	var req AcceptanceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return AcceptanceRequest{}, fmt.Errorf("%w: decode acceptance request: %v", ErrInvalidPayload, err)
	}
	if err := req.Validate(); err != nil {
		return AcceptanceRequest{}, err
	}
	return req, nil
}

// Validate checks the request references an offer and its owner.
func (r AcceptanceRequest) Validate() error {
	if err := checkSchemaVersion(r.SchemaVersion); err != nil {
		return err
	}
	if r.OfferID == uuid.Nil {
		return invalid("offerId is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return invalid("userId is required")
	}
	if r.AcceptedAt.IsZero() {
		return invalid("acceptedAt is required")
	}
	return nil
}

func checkSchemaVersion(v int) error {
	if v == 0 || v == CurrentSchemaVersion {
		return nil
	}
	return invalid(fmt.Sprintf("unsupported schemaVersion %d", v))
}

func checkUnitInterval(name string, v *float64) error {
	if v == nil {
		return invalid(name + " is required")
	}
	if math.IsNaN(*v) || *v < 0 || *v > 1 {
		return invalid(fmt.Sprintf("%s must be within [0,1], got %v", name, *v))
	}
	return nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, reason)
}

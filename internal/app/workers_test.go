package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
)

type emotionStoreStub struct {
	mu       sync.Mutex
	err      error
	readings []store.EmotionReading
}

func (s *emotionStoreStub) UpsertEmotionSummary(ctx context.Context, reading store.EmotionReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.readings = append(s.readings, reading)
	return nil
}

type transactionStoreStub struct {
	err     error
	userID  string
	amount  float64
	inserts int
}

func (s *transactionStoreStub) InsertTransaction(ctx context.Context, userID string, amount float64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.inserts++
	s.userID = userID
	s.amount = amount
	return int64(s.inserts), nil
}

const validEmotionBody = `{"userId":"user-1","timestamp":"2024-03-05T09:30:00Z","emotionEvent":{"type":"voice","metrics":{"positivity":0.8,"intensity":0.3,"stress_level":0.2}},"traceId":"t-1"}`

func TestEmotionWorker_MergesReading(t *testing.T) {
	s := &emotionStoreStub{}
	w := NewEmotionWorker(s, 10*time.Second)

	if d := w.HandleMessage(context.Background(), []byte(validEmotionBody)); !d.IsAck() {
		t.Fatalf("expected ack, got %s", d)
	}
	if len(s.readings) != 1 {
		t.Fatalf("expected one upsert, got %d", len(s.readings))
	}
	r := s.readings[0]
	if r.UserID != "user-1" || r.SummaryDate.Format("2006-01-02") != "2024-03-05" || r.Positivity != 0.8 || r.Intensity != 0.3 || r.StressLevel != 0.2 {
		t.Fatalf("unexpected reading %+v", r)
	}
}

func TestEmotionWorker_DuplicateDeliveriesAreEachMerged(t *testing.T) {
	s := &emotionStoreStub{}
	w := NewEmotionWorker(s, 10*time.Second)

	for i := 0; i < 2; i++ {
		if d := w.HandleMessage(context.Background(), []byte(validEmotionBody)); !d.IsAck() {
			t.Fatalf("delivery %d: expected ack, got %s", i, d)
		}
	}
	if len(s.readings) != 2 {
		t.Fatalf("expected both deliveries to be merged, got %d", len(s.readings))
	}
}

func TestEmotionWorker_Dispositions(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		storeErr  error
		wantAck   bool
		wantCalls int
	}{
		{"invalid payload", `{"userId":"user-1"}`, nil, true, 0},
		{"out of range metric", `{"userId":"u","timestamp":"2024-03-05T09:30:00Z","emotionEvent":{"type":"v","metrics":{"positivity":2,"intensity":0.3,"stress_level":0.2}}}`, nil, true, 0},
		{"transient store failure", validEmotionBody, errors.New("connection reset"), false, 0},
		{"constraint violation", validEmotionBody, fmt.Errorf("%w: check", store.ErrConstraintViolation), true, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &emotionStoreStub{err: tc.storeErr}
			w := NewEmotionWorker(s, 10*time.Second)

			d := w.HandleMessage(context.Background(), []byte(tc.body))
			if d.IsAck() != tc.wantAck {
				t.Fatalf("expected ack=%v, got %s", tc.wantAck, d)
			}
			if !tc.wantAck && d.Delay() != 10*time.Second {
				t.Fatalf("expected nack delay 10s, got %s", d.Delay())
			}
			if len(s.readings) != tc.wantCalls {
				t.Fatalf("expected %d stored readings, got %d", tc.wantCalls, len(s.readings))
			}
		})
	}
}

func TestTransactionWorker_PersistsAmount(t *testing.T) {
	s := &transactionStoreStub{}
	w := NewTransactionWorker(s, 10*time.Second)

	d := w.HandleMessage(context.Background(), []byte(`{"userId":"user-1","amount":123.45}`))
	if !d.IsAck() {
		t.Fatalf("expected ack, got %s", d)
	}
	if s.inserts != 1 || s.userID != "user-1" || s.amount != 123.45 {
		t.Fatalf("expected one row for user-1 of 123.45, got %+v", s)
	}
}

func TestTransactionWorker_Dispositions(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		storeErr error
		wantAck  bool
	}{
		{"non-positive amount", `{"userId":"user-1","amount":0}`, nil, true},
		{"malformed", `not json`, nil, true},
		{"transient store failure", `{"userId":"user-1","amount":5}`, errors.New("timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &transactionStoreStub{err: tc.storeErr}
			d := NewTransactionWorker(s, 10*time.Second).HandleMessage(context.Background(), []byte(tc.body))
			if d.IsAck() != tc.wantAck {
				t.Fatalf("expected ack=%v, got %s", tc.wantAck, d)
			}
			if s.inserts != 0 {
				t.Fatalf("expected no rows, got %d", s.inserts)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureClass
	}{
		{fmt.Errorf("wrap: %w", domain.ErrInvalidPayload), Permanent},
		{fmt.Errorf("wrap: %w", store.ErrConstraintViolation), Permanent},
		{store.ErrOfferNotTransitioned, Conflict},
		{errors.New("connection refused"), Transient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v): expected %s, got %s", tc.err, tc.want, got)
		}
	}
	if !Dispose(nil, time.Second).IsAck() {
		t.Fatalf("expected nil error to ack")
	}
	if d := Dispose(errors.New("x"), 3*time.Second); d.IsAck() || d.Delay() != 3*time.Second {
		t.Fatalf("expected nack(3s), got %s", d)
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOfferExpiryJob_ExpiresOverdueOffers(t *testing.T) {
	repo := newMemoryRepo()
	repo.now = func() time.Time { return fixedNow }
	overdue := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow.Add(-time.Minute))
	boundary := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow)
	fresh := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow.Add(time.Hour))
	active := seedOffer(repo, "user-1", domain.OfferStatusActive, fixedNow.Add(-time.Hour))

	job := NewOfferExpiryJob(repo, newTestLogger(), nil)
	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired offers, got %d", n)
	}
	if repo.get(overdue.ID).Status != domain.OfferStatusExpired || repo.get(boundary.ID).Status != domain.OfferStatusExpired {
		t.Fatalf("expected overdue offers to expire")
	}
	if repo.get(fresh.ID).Status != domain.OfferStatusOffered {
		t.Fatalf("expected fresh offer to stay offered")
	}
	if repo.get(active.ID).Status != domain.OfferStatusActive {
		t.Fatalf("expected active offer to stay active")
	}

	accept := NewAcceptanceWorker(repo, &notifierStub{}, time.Second)
	accept.HandleMessage(context.Background(), acceptanceBody(t, overdue.ID, "user-1"))
	if repo.get(overdue.ID).Status != domain.OfferStatusExpired {
		t.Fatalf("expected expired offer never to become active")
	}
}

func TestOfferExpiryJob_ReportsStoreError(t *testing.T) {
	repo := newMemoryRepo()
	repo.expireErr = errors.New("db down")
	if _, err := NewOfferExpiryJob(repo, newTestLogger(), nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	job := NewOfferExpiryJob(newMemoryRepo(), newTestLogger(), nil)
	s := NewScheduler(job, newTestLogger(), "not a schedule")
	if err := s.Start(); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	job := NewOfferExpiryJob(newMemoryRepo(), newTestLogger(), nil)
	s := NewScheduler(job, newTestLogger(), "@every 1m")
	if err := s.Start(); err != nil {
		t.Fatalf("expected schedule to be accepted, got %v", err)
	}
	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected scheduler to stop promptly")
	}
}

func TestNotifier_PublishesCreditLimitApplied(t *testing.T) {
	publisher := &publisherStub{}
	n := NewNotifier(publisher)
	if err := n.Notify(context.Background(), "user-1", CreditLimitAppliedNotification); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if publisher.count() != 1 || publisher.published[0].subject != domain.SubjectNotifications {
		t.Fatalf("expected one notification on %s, got %+v", domain.SubjectNotifications, publisher.published)
	}
	event := publisher.published[0].body.(domain.NotificationEvent)
	want := domain.NotificationEvent{UserID: "user-1", Type: "CREDIT_LIMIT_APPLIED", Title: "Credit Limit Active!", Message: "Your new credit limit is now available for use."}
	if event != want {
		t.Fatalf("expected %+v, got %+v", want, event)
	}

	publisher.err = errors.New("closed")
	if err := n.Notify(context.Background(), "user-1", CreditLimitAppliedNotification); err == nil {
		t.Fatalf("expected publish failure to be returned")
	}
}

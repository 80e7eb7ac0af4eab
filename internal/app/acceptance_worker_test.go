package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ecs/credit-pipeline/internal/domain"
)

type notifierStub struct {
	mu    sync.Mutex
	err   error
	sent  []string
	calls int
}

func (n *notifierStub) Notify(ctx context.Context, userID string, payload NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, userID)
	return nil
}

func (n *notifierStub) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func acceptanceBody(t *testing.T, offerID uuid.UUID, userID string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.AcceptanceRequest{OfferID: offerID, UserID: userID, AcceptedAt: fixedNow})
	if err != nil {
		t.Fatalf("marshal acceptance request: %v", err)
	}
	return body
}

func newAcceptanceFixture() (*memoryRepo, *notifierStub, *AcceptanceWorker) {
	repo := newMemoryRepo()
	repo.now = func() time.Time { return fixedNow }
	notifier := &notifierStub{}
	return repo, notifier, NewAcceptanceWorker(repo, notifier, 10*time.Second)
}

func TestAcceptanceWorker_ActivatesAndNotifies(t *testing.T) {
	repo, notifier, worker := newAcceptanceFixture()
	offer := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow.Add(time.Hour))

	d := worker.HandleMessage(context.Background(), acceptanceBody(t, offer.ID, "user-1"))
	if !d.IsAck() {
		t.Fatalf("expected ack, got %s", d)
	}
	got := repo.get(offer.ID)
	if got.Status != domain.OfferStatusActive || got.ActivatedAt == nil {
		t.Fatalf("expected active offer with activation time, got %+v", got)
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.sentCount())
	}
}

func TestAcceptanceWorker_ConcurrentRequestsActivateOnce(t *testing.T) {
	repo, notifier, worker := newAcceptanceFixture()
	offer := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow.Add(time.Hour))
	body := acceptanceBody(t, offer.ID, "user-1")

	const replicas = 16
	var wg sync.WaitGroup
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := worker.HandleMessage(context.Background(), body); !d.IsAck() {
				t.Errorf("expected every request to be acked, got %s", d)
			}
		}()
	}
	wg.Wait()

	if repo.activations != 1 {
		t.Fatalf("expected exactly one activation, got %d", repo.activations)
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.sentCount())
	}
}

func TestAcceptanceWorker_SettlesWithoutEffect(t *testing.T) {
	cases := []struct {
		name   string
		status domain.OfferStatus
		expiry time.Duration
		user   string
	}{
		{"already active", domain.OfferStatusActive, time.Hour, "user-1"},
		{"expired by clock", domain.OfferStatusOffered, -time.Second, "user-1"},
		{"expired by job", domain.OfferStatusExpired, -time.Hour, "user-1"},
		{"wrong owner", domain.OfferStatusOffered, time.Hour, "user-2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, notifier, worker := newAcceptanceFixture()
			offer := seedOffer(repo, "user-1", tc.status, fixedNow.Add(tc.expiry))

			d := worker.HandleMessage(context.Background(), acceptanceBody(t, offer.ID, tc.user))
			if !d.IsAck() {
				t.Fatalf("expected ack, got %s", d)
			}
			if repo.get(offer.ID).Status != tc.status {
				t.Fatalf("expected status to stay %s, got %s", tc.status, repo.get(offer.ID).Status)
			}
			if notifier.calls != 0 {
				t.Fatalf("expected no notification, got %d", notifier.calls)
			}
		})
	}
}

func TestAcceptanceWorker_NotificationFailureNacksAndRedeliverySettles(t *testing.T) {
	repo, notifier, worker := newAcceptanceFixture()
	offer := seedOffer(repo, "user-1", domain.OfferStatusOffered, fixedNow.Add(time.Hour))
	body := acceptanceBody(t, offer.ID, "user-1")
	notifier.err = errors.New("broker unavailable")

	d := worker.HandleMessage(context.Background(), body)
	if d.IsAck() || d.Delay() != 10*time.Second {
		t.Fatalf("expected nack(10s), got %s", d)
	}
	if repo.get(offer.ID).Status != domain.OfferStatusActive {
		t.Fatalf("expected activation to stick")
	}

	notifier.err = nil
	d = worker.HandleMessage(context.Background(), body)
	if !d.IsAck() {
		t.Fatalf("expected redelivery to be acked, got %s", d)
	}
	if notifier.sentCount() != 0 {
		t.Fatalf("expected redelivery not to notify, got %d", notifier.sentCount())
	}
	if repo.activations != 1 {
		t.Fatalf("expected a single activation, got %d", repo.activations)
	}
}

func TestAcceptanceWorker_InvalidPayloadIsAcked(t *testing.T) {
	repo, notifier, worker := newAcceptanceFixture()
	d := worker.HandleMessage(context.Background(), []byte(`{"offerId":"nope"}`))
	if !d.IsAck() {
		t.Fatalf("expected ack, got %s", d)
	}
	if repo.activations != 0 || notifier.calls != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestAcceptanceWorker_StoreFailureNacks(t *testing.T) {
	repo, _, worker := newAcceptanceFixture()
	repo.activateErr = errors.New("connection refused")

	d := worker.HandleMessage(context.Background(), acceptanceBody(t, uuid.New(), "user-1"))
	if d.IsAck() || d.Delay() != 10*time.Second {
		t.Fatalf("expected nack(10s), got %s", d)
	}
}

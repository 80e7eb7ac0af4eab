package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
)

// memoryRepo is an in-memory Repository whose offer transitions mirror the
// conditional statements of the Postgres implementation.
type memoryRepo struct {
	store.Repository

	mu       sync.Mutex
	now      func() time.Time
	offers   map[uuid.UUID]*domain.CreditOffer
	agg      store.FeatureAggregates
	aggErr   error
	aggCalls int

	insertErr   error
	findErr     error
	activateErr error
	expireErr   error
	activations int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		now:    time.Now,
		offers: make(map[uuid.UUID]*domain.CreditOffer),
	}
}

func (r *memoryRepo) put(offer domain.CreditOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := offer
	r.offers[o.ID] = &o
}

func (r *memoryRepo) get(id uuid.UUID) domain.CreditOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.offers[id]
}

func (r *memoryRepo) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

func (r *memoryRepo) LoadFeatureAggregates(ctx context.Context, userID string) (store.FeatureAggregates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggCalls++
	if r.aggErr != nil {
		return store.FeatureAggregates{}, r.aggErr
	}
	return r.agg, nil
}

func (r *memoryRepo) InsertOffer(ctx context.Context, offer *domain.CreditOffer) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	now := r.now()
	offer.CreatedAt = now
	offer.UpdatedAt = now
	r.put(*offer)
	return nil
}

func (r *memoryRepo) FindAcceptableOffer(ctx context.Context, offerID uuid.UUID, userID string) (*domain.CreditOffer, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	if !ok || o.UserID != userID || o.Status != domain.OfferStatusOffered || !o.ExpiresAt.After(r.now()) {
		return nil, store.ErrOfferNotFound
	}
	copied := *o
	return &copied, nil
}

func (r *memoryRepo) ActivateOffer(ctx context.Context, offerID uuid.UUID, userID string) error {
	if r.activateErr != nil {
		return r.activateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	now := r.now()
	if !ok || o.UserID != userID || o.Status != domain.OfferStatusOffered || !o.ExpiresAt.After(now) {
		return store.ErrOfferNotTransitioned
	}
	o.Status = domain.OfferStatusActive
	o.ActivatedAt = &now
	o.UpdatedAt = now
	r.activations++
	return nil
}

func (r *memoryRepo) ExpireOffers(ctx context.Context) (int64, error) {
	if r.expireErr != nil {
		return 0, r.expireErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var n int64
	for _, o := range r.offers {
		if o.Status == domain.OfferStatusOffered && !o.ExpiresAt.After(now) {
			o.Status = domain.OfferStatusExpired
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) ListOffersByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditOffer, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.CreditOffer
	for _, o := range r.offers {
		if o.UserID == userID {
			all = append(all, *o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []domain.CreditOffer{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// cacheStub is a map-backed cache.Cache with injectable failures.
type cacheStub struct {
	mu     sync.Mutex
	values map[string][]byte
	getErr error
	setErr error
	sets   int
}

func newCacheStub() *cacheStub {
	return &cacheStub{values: make(map[string][]byte)}
}

func (c *cacheStub) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	v, ok := c.values[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (c *cacheStub) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.values[key] = value
	return nil
}

type scorerStub struct {
	mu       sync.Mutex
	score    float64
	err      error
	calls    int
	received domain.FeatureVector
}

func (s *scorerStub) Score(ctx context.Context, features domain.FeatureVector) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.received = features
	if s.err != nil {
		return 0, s.err
	}
	return s.score, nil
}

type publishedMessage struct {
	subject string
	body    interface{}
}

type publisherStub struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
}

func (p *publisherStub) Publish(ctx context.Context, subject string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{subject: subject, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// userStoreStub is a map-backed store.UserStore.
type userStoreStub struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	findErr   error
	createErr error
	finds     int
}

func newUserStoreStub() *userStoreStub {
	return &userStoreStub{users: make(map[string]*domain.User)}
}

func (s *userStoreStub) CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	if _, ok := s.users[email]; ok {
		return nil, store.ErrEmailTaken
	}
	user := &domain.User{ID: uuid.New(), Email: email, PasswordHash: passwordHash, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	s.users[email] = user
	copied := *user
	return &copied, nil
}

func (s *userStoreStub) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	user, ok := s.users[email]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

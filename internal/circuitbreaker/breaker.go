// Package circuitbreaker guards calls to a flaky dependency. After MaxFailures
// consecutive failures the breaker opens and fails fast for Cooldown; the first call
// after the cool-down is a half-open trial whose result closes or re-opens it.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config tunes a Breaker.
type Config struct {
	MaxFailures int
	Cooldown    time.Duration
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New builds a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// State reports the current state, moving open → half-open if the cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Execute runs op unless the breaker is open. While half-open only one trial runs;
// concurrent callers fail fast until it finishes. An op error wrapping
// context.Canceled is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(trial, opErr)
	return opErr
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(Open, HalfOpen)
		return true, nil
	default: // HalfOpen
		if b.trialInFlight {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(trial bool, opErr error) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}

	switch {
	case opErr == nil:
		b.failures = 0
		b.state = Closed
	case errors.Is(opErr, context.Canceled):
		// The caller gave up; the dependency said nothing about its health.
		// A half-open breaker stays half-open so the next call tests it.
	default:
		b.failures++
		if trial || b.failures >= b.cfg.MaxFailures {
			b.state = Open
			b.openedAt = b.cfg.Now()
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		log.Printf("level=warn component=circuit_breaker msg=\"state changed\" name=%s from=%s to=%s failures=%d", b.name, from, to, failures)
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

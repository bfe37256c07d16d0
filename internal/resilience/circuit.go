// Package resilience guards the engine's outbound calls: bounded retries
// with backoff for transient executor and comparator failures, per-executor
// circuit breakers so one flaky model cannot stall every fan-out, and
// dead-letter classification for jobs that keep failing.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state — calls flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen means too many consecutive failures — calls are rejected
	// immediately, which the fan-out reports as that executor failing fast.
	BreakerOpen
	// BreakerHalfOpen admits a single probe call to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected because the breaker is open.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 3 — with at most a handful of iterations per
	// run there is no room to keep probing a dead executor.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default: 20s.
	ResetTimeout time.Duration

	// HalfOpenProbes is how many consecutive probe successes close the
	// breaker again. Default: 1.
	HalfOpenProbes int

	// ShouldTrip decides which errors count toward the threshold. Nil means
	// every error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns the defaults used for executor calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     20 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker implements the circuit breaker pattern for a single executor or
// service endpoint.
type Breaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	consecutiveFails  int
	lastFailure       time.Time
	halfOpenSuccesses int

	nowFunc func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 20 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, nowFunc: time.Now}
}

// Execute runs fn through the breaker, returning ErrBreakerOpen without
// calling fn when the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the breaker's effective state, accounting for an open
// breaker whose reset timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = BreakerClosed
	b.consecutiveFails = 0
	b.halfOpenSuccesses = 0
	if old != BreakerClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, BreakerClosed)
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transition(BreakerHalfOpen)
			return nil // probe
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := err != nil
	if err != nil && b.cfg.ShouldTrip != nil {
		trips = b.cfg.ShouldTrip(err)
	}

	if !trips {
		switch b.state {
		case BreakerHalfOpen:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenProbes {
				b.transition(BreakerClosed)
				b.consecutiveFails = 0
				b.halfOpenSuccesses = 0
			}
		case BreakerClosed:
			b.consecutiveFails = 0
		}
		return
	}

	b.consecutiveFails++
	b.lastFailure = b.nowFunc()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		b.transition(BreakerOpen)
		b.halfOpenSuccesses = 0
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// BreakerSet manages one breaker per executor name.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakerSet creates a registry of per-executor breakers sharing cfg.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(s.cfg)
	s.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state, for health reporting.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make(map[string]BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		states[name] = b.State()
	}
	return states
}

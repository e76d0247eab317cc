// Package breaker implements the circuit-breaker pattern of spec C3:
// Closed/Open/Half-Open states guarding a protected call, with counters
// updated under a lock so concurrent callers observe consistent state.
// Generalized from brave-intl-bat-go/grant's Redis-counter breaker idiom
// to the in-process, lock-guarded state machine the spec requires.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("breaker: circuit open")

// Config holds the breaker's tunables (spec §4.3 defaults).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CallTimeout      time.Duration
	OpenDuration     time.Duration
}

// DefaultConfig matches spec §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CallTimeout:      60 * time.Second,
		OpenDuration:     30 * time.Second,
	}
}

// Breaker wraps a protected call with failure-threshold/half-open-probe
// semantics. The zero value is not usable; construct with New.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
}

// New constructs a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, transitioning Open -> HalfOpen
// first if the open window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == Open && !time.Now().Before(b.nextAttempt) {
		b.state = HalfOpen
		b.successes = 0
	}
}

// Execute runs action, enforcing CallTimeout, and updates breaker state
// under the lock. Calls in Closed state are not serialized with one
// another; only the counter bookkeeping is locked.
func (b *Breaker) Execute(ctx context.Context, action func(ctx context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	b.maybeTransitionToHalfOpenLocked()
	state := b.state
	if state == Open {
		b.mu.Unlock()
		return nil, ErrOpen
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	result, err := runWithTimeout(callCtx, action)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailureLocked()
		return nil, err
	}
	b.onSuccessLocked()
	return result, nil
}

func runWithTimeout(ctx context.Context, action func(ctx context.Context) (any, error)) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := action(ctx)
		done <- outcome{r, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case HalfOpen:
		b.tripLocked()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.failures = 0
	b.successes = 0
	b.nextAttempt = time.Now().Add(b.cfg.OpenDuration)
}

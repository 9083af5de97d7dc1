package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpen          = errors.New("circuit open")
	ErrProbeInFlight = errors.New("circuit probe already in flight")
)

// State tracks the breaker tripwire.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines trip and recovery thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips the
	// breaker open.
	FailureThreshold int
	// RecoveryTimeout is the time spent OPEN before one probe is allowed.
	RecoveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	return c
}

// TransitionFunc observes state changes, e.g. to record them as beads.
type TransitionFunc func(name string, from, to State)

// Breaker is a per-protected-call failure tripwire. While HALF_OPEN the
// concurrency to the protected resource is strictly one: a second probe
// attempt is rejected, never queued.
type Breaker struct {
	name         string
	cfg          Config
	onTransition TransitionFunc

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker for one protected resource.
func New(name string, cfg Config, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		name:         name,
		cfg:          cfg.withDefaults(),
		onTransition: onTransition,
	}
}

// Name returns the protected resource name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs op through the breaker. OPEN rejects immediately with ErrOpen
// without invoking op; HALF_OPEN admits exactly one probe. A probe whose
// context is cancelled mid-flight has its result discarded.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
		if ctx.Err() != nil {
			// Halt or cancellation arrived mid-probe; the result is
			// discarded and the breaker stays HALF_OPEN.
			return ctx.Err()
		}
		if opErr != nil {
			b.transitionLocked(StateOpen)
			b.openedAt = time.Now()
			return opErr
		}
		b.failures = 0
		b.transitionLocked(StateClosed)
		return nil
	}

	if opErr != nil {
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			b.openedAt = time.Now()
		}
		return opErr
	}
	b.failures = 0
	return nil
}

// Reset closes the breaker. Administrative override only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return false, ErrOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrProbeInFlight
		}
		b.probing = true
		return true, nil
	default:
		return false, ErrOpen
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

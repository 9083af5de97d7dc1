package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"main/internal/bead"
)

var (
	ErrCooldownActive   = errors.New("health recovery cooldown active")
	ErrProbeFailed      = errors.New("health recovery probe failed")
	ErrHaltedRecovery   = errors.New("recovery from HALTED requires a halt reset")
	ErrNoProbe          = errors.New("no health probe registered")
	ErrAlreadyRecovered = errors.New("already healthy")
)

// Level is the aggregated system severity.
type Level uint8

const (
	LevelHealthy Level = iota
	LevelDegraded
	LevelCritical
	LevelHalted
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "HEALTHY"
	case LevelDegraded:
		return "DEGRADED"
	case LevelCritical:
		return "CRITICAL"
	case LevelHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Config defines the failure windows that drive level transitions.
// Transitions are N-failures-within-window, never single-failure, to
// keep a flapping source from bouncing the level.
type Config struct {
	DegradedThreshold int
	CriticalThreshold int
	HaltedThreshold   int
	Window            time.Duration
	Cooldown          time.Duration
	AlertSuppression  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 6
	}
	if c.HaltedThreshold <= 0 {
		c.HaltedThreshold = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.AlertSuppression <= 0 {
		c.AlertSuppression = time.Minute
	}
	return c
}

// AlertFunc receives upward transitions; it fires at most once per level
// inside each suppression window.
type AlertFunc func(level Level, reason string)

// ProbeFunc validates recovery before the level returns to HEALTHY.
type ProbeFunc func(ctx context.Context) error

type transitionRecord struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

type alertRecord struct {
	Level  string    `json:"level"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// FSM aggregates failure signals into one severity level. All transitions
// are linearized by a single mutex and recorded as beads.
type FSM struct {
	cfg      Config
	beads    bead.Sink
	onAlert  AlertFunc
	onHalted func(reason string)
	probe    ProbeFunc

	mu             sync.Mutex
	level          Level
	failures       []time.Time
	lastAlert      map[Level]time.Time
	lastTransition time.Time
}

// New creates a healthy FSM. Any hook may be nil.
func New(cfg Config, beads bead.Sink, onAlert AlertFunc, onHalted func(reason string), probe ProbeFunc) *FSM {
	return &FSM{
		cfg:       cfg.withDefaults(),
		beads:     beads,
		onAlert:   onAlert,
		onHalted:  onHalted,
		probe:     probe,
		lastAlert: make(map[Level]time.Time),
	}
}

// UpdateConfig applies reloaded thresholds and windows to subsequent
// failure accounting.
func (f *FSM) UpdateConfig(cfg Config) {
	f.mu.Lock()
	f.cfg = cfg.withDefaults()
	f.mu.Unlock()
}

// Level returns the current severity.
func (f *FSM) Level() Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// FailureCount returns the failures inside the current window.
func (f *FSM) FailureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pruneLocked(time.Now()))
}

// RecordFailure ingests one failure signal from the named source and
// escalates the level when a window threshold is crossed.
func (f *FSM) RecordFailure(source, reason string) Level {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.failures = append(f.pruneLocked(now), now)
	count := len(f.failures)

	target := f.level
	switch {
	case count >= f.cfg.HaltedThreshold:
		target = LevelHalted
	case count >= f.cfg.CriticalThreshold:
		target = LevelCritical
	case count >= f.cfg.DegradedThreshold:
		target = LevelDegraded
	}
	// Degradation is monotonic upward on failure.
	if target > f.level {
		f.transitionLocked(target, source, reason, now)
	}
	return f.level
}

// RecordSuccess trims the failure window; it never lowers the level on
// its own, recovery goes through TryRecover.
func (f *FSM) RecordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = f.pruneLocked(time.Now())
}

// TryRecover returns the level to HEALTHY when the cooldown has elapsed
// and the registered probe passes. Recovery from HALTED is refused here;
// that path goes through the halt manager's human reset.
func (f *FSM) TryRecover(ctx context.Context) error {
	f.mu.Lock()
	switch f.level {
	case LevelHealthy:
		f.mu.Unlock()
		return ErrAlreadyRecovered
	case LevelHalted:
		f.mu.Unlock()
		return ErrHaltedRecovery
	}
	if time.Since(f.lastTransition) < f.cfg.Cooldown {
		f.mu.Unlock()
		return ErrCooldownActive
	}
	probe := f.probe
	f.mu.Unlock()

	if probe == nil {
		return ErrNoProbe
	}
	if err := probe(ctx); err != nil {
		return ErrProbeFailed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.level == LevelHealthy || f.level == LevelHalted {
		return nil
	}
	f.failures = nil
	f.transitionLocked(LevelHealthy, "probe", "recovery probe passed", time.Now())
	return nil
}

func (f *FSM) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-f.cfg.Window)
	kept := f.failures[:0]
	for _, ts := range f.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (f *FSM) transitionLocked(to Level, source, reason string, now time.Time) {
	from := f.level
	f.level = to
	f.lastTransition = now

	if f.beads != nil {
		_, _ = f.beads.Append(bead.TypeHealthTransition, transitionRecord{
			From:   from.String(),
			To:     to.String(),
			Reason: reason,
			Source: source,
			At:     now,
		})
	}
	if to > from {
		f.alertLocked(to, reason, now)
	}
	if to == LevelHalted && f.onHalted != nil {
		f.onHalted(reason)
	}
}

// alertLocked fires at most one alert per severity level within each
// suppression window, so a burst of N failures yields one alert, not N.
func (f *FSM) alertLocked(level Level, reason string, now time.Time) {
	if f.onAlert == nil {
		return
	}
	if last, ok := f.lastAlert[level]; ok && now.Sub(last) < f.cfg.AlertSuppression {
		return
	}
	f.lastAlert[level] = now
	if f.beads != nil {
		_, _ = f.beads.Append(bead.TypeAlert, alertRecord{
			Level:  level.String(),
			Reason: reason,
			At:     now,
		})
	}
	f.onAlert(level, reason)
}

package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/backoff"
	"main/internal/bead"
	"main/internal/breaker"
	"main/internal/halt"
	"main/internal/health"
)

var (
	ErrHalted      = errors.New("trading halted")
	ErrMonitorOnly = errors.New("broker degraded to monitoring only, no new orders")
	ErrTierHalted  = errors.New("broker degradation reached full halt")
)

// Tier is the supervisor's capability level. Degradation is strictly
// monotonic downward while the connection is failing; stepping back up
// requires a validated reconnect.
type Tier uint8

const (
	TierFull Tier = iota
	TierMonitorOnly
	TierHalted
)

func (t Tier) String() string {
	switch t {
	case TierFull:
		return "FULL"
	case TierMonitorOnly:
		return "MONITOR_ONLY"
	case TierHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the operator-tunable heartbeat and degradation thresholds.
type Config struct {
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	MissThreshold        int
	MonitorOnlyAfter     time.Duration
	HaltAfter            time.Duration
	MaxReconnectAttempts int
	SubmitTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = c.HeartbeatInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 3
	}
	if c.MonitorOnlyAfter <= 0 {
		c.MonitorOnlyAfter = 30 * time.Second
	}
	if c.HaltAfter <= 0 {
		c.HaltAfter = 2 * time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	return c
}

type connectionRecord struct {
	Event   string    `json:"event"`
	Attempt int       `json:"attempt,omitempty"`
	Tier    string    `json:"tier"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Supervisor watches the broker connection from outside the trading
// decision path: its loop runs on its own goroutine so a hang in the
// decision logic cannot blind halt detection.
type Supervisor struct {
	cfg   Config
	conn  Conn
	brk   *breaker.Breaker
	bo    *backoff.Controller
	fsm   *health.FSM
	halt  *halt.Manager
	beads bead.Sink

	mu                 sync.Mutex
	tier               Tier
	misses             int
	downSince          time.Time
	onReconnectAttempt func(attempt int)
}

// NewSupervisor wires the resilience stack around one broker connection.
func NewSupervisor(cfg Config, conn Conn, brk *breaker.Breaker, bo *backoff.Controller, fsm *health.FSM, mgr *halt.Manager, beads bead.Sink) *Supervisor {
	return &Supervisor{
		cfg:   cfg.withDefaults(),
		conn:  conn,
		brk:   brk,
		bo:    bo,
		fsm:   fsm,
		halt:  mgr,
		beads: beads,
	}
}

// Tier returns the current capability tier.
func (s *Supervisor) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// UpdateConfig applies reloaded heartbeat and degradation thresholds.
// The heartbeat ticker picks up a changed interval on its next tick.
func (s *Supervisor) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// OnReconnectAttempt registers an observer called once per reconnect
// attempt, e.g. to bump a counter metric.
func (s *Supervisor) OnReconnectAttempt(fn func(attempt int)) {
	s.mu.Lock()
	s.onReconnectAttempt = fn
	s.mu.Unlock()
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run drives the heartbeat loop until the context is done or a halt
// arrives. It must run on its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := s.halt.Halted(ctx)
	defer cancel()

	interval := s.config().HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
			if cur := s.config().HeartbeatInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// Submit sends a new order through the protection stack. The halt flag
// is consulted first, synchronously, before anything else.
func (s *Supervisor) Submit(ctx context.Context, o Order) (Ack, error) {
	if s.halt.IsHalted() {
		return Ack{}, ErrHalted
	}
	switch s.Tier() {
	case TierMonitorOnly:
		return Ack{}, ErrMonitorOnly
	case TierHalted:
		return Ack{}, ErrTierHalted
	}

	var ack Ack
	err := s.brk.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config().SubmitTimeout)
		defer cancel()
		var submitErr error
		ack, submitErr = s.conn.Submit(ctx, o)
		return submitErr
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) && !errors.Is(err, breaker.ErrProbeInFlight) {
			s.fsm.RecordFailure("broker.submit", err.Error())
		}
		return Ack{}, err
	}
	s.fsm.RecordSuccess()
	return ack, nil
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	cfg := s.config()
	pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	err := s.conn.Ping(pctx)
	cancel()

	if err == nil {
		s.fsm.RecordSuccess()
		s.mu.Lock()
		s.misses = 0
		s.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.fsm.RecordFailure("broker.heartbeat", err.Error())

	s.mu.Lock()
	s.misses++
	dead := s.misses >= cfg.MissThreshold && s.downSince.IsZero()
	if dead {
		s.downSince = time.Now()
	}
	s.mu.Unlock()

	if dead {
		s.record(connectionRecord{
			Event:  "disconnected",
			Tier:   s.Tier().String(),
			Reason: err.Error(),
			At:     time.Now().UTC(),
		})
		logs.Errorf("broker declared dead after %d missed heartbeats, err: %+v", cfg.MissThreshold, err)
		s.reconnect(ctx)
	}
}

// reconnect drives breaker-wrapped, backoff-spaced reconnection attempts
// while walking the degradation tiers. Exhausting the attempt budget is
// terminal: it halts and alerts instead of retrying forever.
func (s *Supervisor) reconnect(ctx context.Context) {
	s.mu.Lock()
	maxAttempts := s.cfg.MaxReconnectAttempts
	hook := s.onReconnectAttempt
	s.mu.Unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.updateTier()
		if s.Tier() == TierHalted {
			return
		}

		if hook != nil {
			hook(attempt)
		}
		s.record(connectionRecord{
			Event:   "reconnect_attempt",
			Attempt: attempt,
			Tier:    s.Tier().String(),
			At:      time.Now().UTC(),
		})

		err := s.brk.Do(ctx, func(ctx context.Context) error {
			if err := s.conn.Connect(ctx); err != nil {
				return err
			}
			// Socket open is not enough; the reconnect must validate.
			return s.conn.Ping(ctx)
		})
		if err == nil {
			s.stepUp()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, breaker.ErrOpen) && !errors.Is(err, breaker.ErrProbeInFlight) {
			s.fsm.RecordFailure("broker.reconnect", err.Error())
		}

		if err := s.bo.Next(ctx); err != nil {
			// Halt or shutdown interrupted the wait.
			return
		}
	}

	s.record(connectionRecord{
		Event:  "reconnect_exhausted",
		Tier:   TierHalted.String(),
		Reason: "reconnect attempt budget exhausted",
		At:     time.Now().UTC(),
	})
	s.setTier(TierHalted)
	s.halt.HaltLocal("broker reconnect attempt budget exhausted")
}

// stepUp returns to full capability after a validated reconnection.
func (s *Supervisor) stepUp() {
	s.mu.Lock()
	s.tier = TierFull
	s.misses = 0
	s.downSince = time.Time{}
	s.mu.Unlock()

	s.bo.Reset()
	s.fsm.RecordSuccess()
	s.record(connectionRecord{
		Event: "reconnected",
		Tier:  TierFull.String(),
		At:    time.Now().UTC(),
	})
	logs.Info("broker reconnected, full capability restored")
}

// updateTier degrades by elapsed disconnection time, downward only.
func (s *Supervisor) updateTier() {
	s.mu.Lock()
	if s.downSince.IsZero() {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.downSince)
	target := s.tier
	switch {
	case elapsed >= s.cfg.HaltAfter:
		target = TierHalted
	case elapsed >= s.cfg.MonitorOnlyAfter:
		target = TierMonitorOnly
	}
	if target <= s.tier {
		s.mu.Unlock()
		return
	}
	s.tier = target
	s.mu.Unlock()

	s.record(connectionRecord{
		Event:  "degraded",
		Tier:   target.String(),
		Reason: "disconnection threshold elapsed",
		At:     time.Now().UTC(),
	})
	if target == TierHalted {
		s.halt.HaltLocal("broker disconnected past halt threshold")
	}
}

func (s *Supervisor) setTier(t Tier) {
	s.mu.Lock()
	s.tier = t
	s.mu.Unlock()
}

func (s *Supervisor) record(rec connectionRecord) {
	if s.beads == nil {
		return
	}
	if _, err := s.beads.Append(bead.TypeConnection, rec); err != nil {
		logs.Errorf("record connection bead, err: %+v", err)
	}
}

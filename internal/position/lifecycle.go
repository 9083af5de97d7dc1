package position

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/bead"
)

var (
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrPositionNotFound  = errors.New("position not found")
)

// ReasonStalled marks a pending position closed by fill timeout.
const ReasonStalled = "stalled: fill timeout elapsed"

// State is the lifecycle state of one position.
type State uint8

const (
	StateProposed State = iota
	StatePending
	StateOpen
	StatePartial
	StateClosed
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateProposed:
		return "PROPOSED"
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StatePartial:
		return "PARTIAL"
	case StateClosed:
		return "CLOSED"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateHalted
}

// transitions is the explicit forward table. HALTED is reachable from
// every non-terminal state; anything absent is invalid, no coercion.
var transitions = map[State][]State{
	StateProposed: {StatePending, StateHalted},
	StatePending:  {StateOpen, StatePartial, StateClosed, StateHalted},
	StateOpen:     {StatePartial, StateClosed, StateHalted},
	StatePartial:  {StateOpen, StateClosed, StateHalted},
}

func transitionValid(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Position is one trade's lifecycle record.
type Position struct {
	ID         uuid.UUID
	Instrument string
	CreatedAt  time.Time
	PendingAt  time.Time
	ClosedAt   time.Time
	Reason     string

	// state is written under the tracker mutex but read lock-free by
	// status consumers, so it lives in an atomic. Zero value is PROPOSED.
	state atomic.Uint32
}

// State returns the current lifecycle state.
func (p *Position) State() State {
	return State(p.state.Load())
}

func (p *Position) setState(s State) { p.state.Store(uint32(s)) }

type positionRecord struct {
	PositionID uuid.UUID `json:"positionId"`
	Instrument string    `json:"instrument"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Tracker owns every position's state machine. Entry into OPEN or
// PARTIAL from PENDING is gated behind a single-use approval token.
type Tracker struct {
	mu        sync.Mutex
	positions map[uuid.UUID]*Position

	issuer      *Issuer
	beads       bead.Sink
	fillTimeout time.Duration
	now         func() time.Time
}

// NewTracker creates a tracker. fillTimeout at or below zero falls back
// to 30 seconds.
func NewTracker(issuer *Issuer, beads bead.Sink, fillTimeout time.Duration) *Tracker {
	if fillTimeout <= 0 {
		fillTimeout = 30 * time.Second
	}
	return &Tracker{
		positions:   make(map[uuid.UUID]*Position),
		issuer:      issuer,
		beads:       beads,
		fillTimeout: fillTimeout,
		now:         time.Now,
	}
}

// SetFillTimeout retunes the stall timeout. It applies from the next
// sweep; non-positive values are ignored.
func (t *Tracker) SetFillTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.fillTimeout = d
	t.mu.Unlock()
}

// Propose registers a new position in PROPOSED.
func (t *Tracker) Propose(instrument string) *Position {
	p := &Position{
		ID:         uuid.New(),
		Instrument: instrument,
		CreatedAt:  t.now(),
	}
	t.mu.Lock()
	t.positions[p.ID] = p
	t.mu.Unlock()
	t.record(p, StateProposed, StateProposed, "proposed")
	return p
}

// Get looks up a position.
func (t *Tracker) Get(id uuid.UUID) (*Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	return p, ok
}

// Submit moves PROPOSED to PENDING and starts the fill-timeout clock.
func (t *Tracker) Submit(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if err := t.applyLocked(p, StatePending, "submitted"); err != nil {
		return err
	}
	p.PendingAt = t.now()
	return nil
}

// Fill moves PENDING to OPEN (full fill) or PARTIAL, consuming the
// approval token; a used, expired or mismatched token leaves the
// position untouched. Fills between PARTIAL and OPEN need no new token:
// the capital commitment was approved at entry.
func (t *Tracker) Fill(id uuid.UUID, tok *Token, leaseStateHash string, full bool) error {
	to := StatePartial
	if full {
		to = StateOpen
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !transitionValid(p.State(), to) {
		return ErrInvalidTransition
	}
	if p.State() == StatePending {
		if err := t.issuer.Consume(tok, id, leaseStateHash); err != nil {
			return err
		}
	}
	return t.applyLocked(p, to, "fill")
}

// Close moves OPEN or PARTIAL to the terminal CLOSED state.
func (t *Tracker) Close(id uuid.UUID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if p.State() == StatePending {
		// Pending closes only through the stall timeout.
		return ErrInvalidTransition
	}
	if err := t.applyLocked(p, StateClosed, reason); err != nil {
		return err
	}
	p.Reason = reason
	p.ClosedAt = t.now()
	return nil
}

// Halt moves any non-terminal position to HALTED.
func (t *Tracker) Halt(id uuid.UUID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if err := t.applyLocked(p, StateHalted, reason); err != nil {
		return err
	}
	p.Reason = reason
	return nil
}

// HaltAll halts every non-terminal position, e.g. on a global halt.
func (t *Tracker) HaltAll(reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.positions {
		if p.State().IsTerminal() {
			continue
		}
		if err := t.applyLocked(p, StateHalted, reason); err == nil {
			p.Reason = reason
			n++
		}
	}
	return n
}

// ExpireStalled closes every PENDING position whose fill timeout has
// elapsed. The close is terminal; a fill arriving later is rejected as
// an invalid transition.
func (t *Tracker) ExpireStalled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, p := range t.positions {
		if p.State() != StatePending || now.Sub(p.PendingAt) < t.fillTimeout {
			continue
		}
		if err := t.applyLocked(p, StateClosed, ReasonStalled); err != nil {
			continue
		}
		p.Reason = ReasonStalled
		p.ClosedAt = now
		logs.Infof("position stalled, id: %s, instrument: %s", p.ID, p.Instrument)
		n++
	}
	return n
}

// Run sweeps for stalled positions until the context is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ExpireStalled()
		}
	}
}

// CountByState snapshots the live distribution, for the status surface.
func (t *Tracker) CountByState() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[State]int, int(StateHalted)+1)
	for s := StateProposed; s <= StateHalted; s++ {
		out[s] = 0
	}
	for _, p := range t.positions {
		out[p.State()]++
	}
	return out
}

// applyLocked validates and applies one transition under t.mu, leaving
// the state unchanged on rejection.
func (t *Tracker) applyLocked(p *Position, to State, reason string) error {
	from := p.State()
	if !transitionValid(from, to) {
		return ErrInvalidTransition
	}
	p.setState(to)
	t.record(p, from, to, reason)
	return nil
}

func (t *Tracker) record(p *Position, from, to State, reason string) {
	if t.beads == nil {
		return
	}
	if _, err := t.beads.Append(bead.TypePositionTransition, positionRecord{
		PositionID: p.ID,
		Instrument: p.Instrument,
		From:       from.String(),
		To:         to.String(),
		Reason:     reason,
		At:         t.now().UTC(),
	}); err != nil {
		logs.Errorf("record position transition bead, err: %+v", err)
	}
}

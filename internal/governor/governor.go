package governor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bead"
	"main/internal/halt"
)

// Action is a proposed capital-affecting action, stated in the same
// fixed-point units as the lease bounds. The counters carry the account
// state the caller observed at decision time.
type Action struct {
	RiskBps           int64
	RewardRiskX100    int64
	PositionSizeBps   int64
	TradesToday       int64
	DrawdownBps       int64
	ConsecutiveLosses int64
	NewEntry          bool
}

// Decision is the governor's answer to CheckBounds.
type Decision struct {
	Allowed bool
	Reason  string
}

func allowed() Decision             { return Decision{Allowed: true} }
func denied(reason string) Decision { return Decision{Reason: reason} }

type leaseRecord struct {
	LeaseID       uuid.UUID `json:"leaseId"`
	CartridgeHash string    `json:"cartridgeHash"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

type attestationRecord struct {
	LeaseID       uuid.UUID `json:"leaseId"`
	CartridgeHash string    `json:"cartridgeHash"`
	AttestedBy    string    `json:"attestedBy"`
	Reference     string    `json:"reference"`
	At            time.Time `json:"at"`
}

// Governor owns the cartridge registry and every lease's state machine.
// Cartridges are immutable once inserted; a cartridge has at most one
// ACTIVE lease at a time.
type Governor struct {
	mu           sync.Mutex
	cartridges   map[string]*Cartridge
	leases       map[uuid.UUID]*Lease
	activeByHash map[string]uuid.UUID

	beads bead.Sink
	halt  *halt.Manager
	now   func() time.Time
}

// New creates an empty governor. mgr may be nil when no global halt
// plane is wired, e.g. in offline verification tools.
func New(beads bead.Sink, mgr *halt.Manager) *Governor {
	return &Governor{
		cartridges:   make(map[string]*Cartridge),
		leases:       make(map[uuid.UUID]*Lease),
		activeByHash: make(map[string]uuid.UUID),
		beads:        beads,
		halt:         mgr,
		now:          time.Now,
	}
}

// InsertCartridge registers a validated manifest. Re-inserting the same
// content hash is rejected: versions are immutable.
func (g *Governor) InsertCartridge(c *Cartridge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cartridges[c.ContentHash()]; ok {
		return errors.Wrap(ErrCartridgeExists, c.Name).With("hash", c.ContentHash())
	}
	g.cartridges[c.ContentHash()] = c
	logs.Infof("cartridge inserted, name: %s, version: %s, hash: %s", c.Name, c.Version, c.ContentHash())
	return nil
}

// Cartridge looks up a manifest by content hash.
func (g *Governor) Cartridge(hash string) (*Cartridge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cartridges[hash]
	return c, ok
}

// CreateLease builds a DRAFT lease from a document. Bounds looser than
// the cartridge defaults on any single field reject the whole lease.
func (g *Governor) CreateLease(doc LeaseDoc) (*Lease, error) {
	if err := doc.Window.validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.cartridges[doc.CartridgeHash]
	if !ok {
		return nil, errors.Wrap(ErrUnknownCartridge, doc.CartridgeHash)
	}
	bounds, err := doc.Bounds.resolve(c.Risk)
	if err != nil {
		return nil, err
	}

	l := &Lease{
		ID:            uuid.New(),
		CartridgeHash: doc.CartridgeHash,
		Window:        doc.Window,
		Bounds:        bounds,
		ReviewDue:     doc.ReviewDue,
	}
	g.leases[l.ID] = l
	g.recordTransition(l, LeaseDraft, LeaseDraft, "created")
	return l, nil
}

// Activate moves a DRAFT lease to ACTIVE. It requires a human
// attestation, re-checks bounds against the cartridge, and enforces a
// single ACTIVE lease per cartridge hash.
func (g *Governor) Activate(id uuid.UUID, attestedBy, reference string) error {
	if attestedBy == "" || reference == "" {
		return ErrAttestationEmpty
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.leases[id]
	if !ok {
		return errors.Wrap(ErrLeaseNotFound, id.String())
	}
	if !leaseTransitionValid(l.State(), LeaseActive) {
		return errors.Wrap(ErrInvalidTransition, l.State().String())
	}
	c := g.cartridges[l.CartridgeHash]
	if _, err := l.Bounds.resolve(c.Risk); err != nil {
		return err
	}
	if cur, ok := g.activeByHash[l.CartridgeHash]; ok && cur != id {
		return errors.Wrap(ErrActiveLeaseExists, cur.String())
	}

	l.AttestationRef = reference
	if g.beads != nil {
		if _, err := g.beads.Append(bead.TypeAttestation, attestationRecord{
			LeaseID:       l.ID,
			CartridgeHash: l.CartridgeHash,
			AttestedBy:    attestedBy,
			Reference:     reference,
			At:            g.now().UTC(),
		}); err != nil {
			return errors.Wrap(err, "record attestation")
		}
	}

	from := l.loadState()
	l.storeState(LeaseActive)
	g.activeByHash[l.CartridgeHash] = id
	g.recordTransition(l, from, LeaseActive, "attested by "+attestedBy)
	return nil
}

// Revoke is the human-triggered terminal transition.
func (g *Governor) Revoke(id uuid.UUID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.leases[id]
	if !ok {
		return errors.Wrap(ErrLeaseNotFound, id.String())
	}
	if !leaseTransitionValid(l.State(), LeaseRevoked) {
		return errors.Wrap(ErrInvalidTransition, l.State().String())
	}
	from := l.loadState()
	l.storeState(LeaseRevoked)
	delete(g.activeByHash, l.CartridgeHash)
	g.recordTransition(l, from, LeaseRevoked, reason)
	return nil
}

// HaltLease trips the lease's lock-free halt flag first, then records
// the transition. The flag store is what the hot path observes, so the
// halt takes effect without waiting on the governor mutex.
func (g *Governor) HaltLease(id uuid.UUID, reason string) error {
	g.mu.Lock()
	l, ok := g.leases[id]
	g.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrLeaseNotFound, id.String())
	}

	if !l.halted.CompareAndSwap(0, 1) {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	from := l.loadState()
	l.storeState(LeaseHalted)
	delete(g.activeByHash, l.CartridgeHash)
	g.recordTransition(l, from, LeaseHalted, reason)
	return nil
}

// LeaseStates snapshots every lease's governance state, for the status
// surface.
func (g *Governor) LeaseStates() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.leases))
	for id, l := range g.leases {
		out[id.String()] = l.State().String()
	}
	return out
}

// Lease looks up a lease by ID.
func (g *Governor) Lease(id uuid.UUID) (*Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[id]
	return l, ok
}

// CheckBounds answers whether a proposed action fits inside the lease.
// Checks run halt-first; the bounds themselves are OR-combined, so any
// single breach denies — and a breach of the drawdown, consecutive-loss
// or position-cap bound also halts the lease.
func (g *Governor) CheckBounds(id uuid.UUID, a Action) Decision {
	if g.halt != nil && g.halt.IsHalted() {
		return denied("global halt active")
	}

	g.mu.Lock()
	l, ok := g.leases[id]
	g.mu.Unlock()
	if !ok {
		return denied("lease not found")
	}
	if l.halted.Load() == 1 {
		return denied("lease halted")
	}

	if d, ok := g.expireIfDue(l, a); !ok {
		return d
	}
	if !l.IsActive() {
		return denied("lease not active: " + l.State().String())
	}

	b := l.Bounds
	switch {
	case a.DrawdownBps > b.MaxDrawdownBps:
		return g.breach(l, "drawdown bound breached")
	case a.ConsecutiveLosses > b.MaxConsecutiveLosses:
		return g.breach(l, "consecutive-loss bound breached")
	case a.PositionSizeBps > b.PositionSizeCapBps:
		return g.breach(l, "position cap breached")
	case a.RiskBps > b.PerTradeRiskBps:
		return denied("per-trade risk above bound")
	case a.RewardRiskX100 < b.MinRewardRiskX100:
		return denied("reward:risk below bound")
	case a.TradesToday >= b.MaxTradesPerDay:
		return denied("daily trade cap reached")
	}
	return allowed()
}

// expireIfDue applies the lazy window check: past expiry flips the lease
// to EXPIRED; inside the safety buffer, new entries are refused while
// exits still pass.
func (g *Governor) expireIfDue(l *Lease, a Action) (Decision, bool) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if l.loadState() == LeaseActive && now.After(l.Window.Expiry) {
		from := l.loadState()
		l.storeState(LeaseExpired)
		delete(g.activeByHash, l.CartridgeHash)
		g.recordTransition(l, from, LeaseExpired, "validity window elapsed")
		return denied("lease expired"), false
	}
	if l.loadState() == LeaseActive && a.NewEntry && l.Window.SafetyBuffer > 0 &&
		now.After(l.Window.Expiry.Add(-l.Window.SafetyBuffer)) {
		return denied("inside pre-expiry safety buffer, exits only"), false
	}
	if now.Before(l.Window.Start) {
		return denied("lease window not started"), false
	}
	return Decision{}, true
}

func (g *Governor) breach(l *Lease, reason string) Decision {
	// Callers hold no lock here; HaltLease takes its own.
	if err := g.HaltLease(l.ID, reason); err != nil {
		logs.Errorf("halt lease on bound breach, err: %+v", err)
	}
	return denied(reason)
}

func (g *Governor) recordTransition(l *Lease, from, to LeaseState, reason string) {
	if g.beads == nil {
		return
	}
	if _, err := g.beads.Append(bead.TypeLeaseTransition, leaseRecord{
		LeaseID:       l.ID,
		CartridgeHash: l.CartridgeHash,
		From:          from.String(),
		To:            to.String(),
		Reason:        reason,
		At:            g.now().UTC(),
	}); err != nil {
		logs.Errorf("record lease transition bead, err: %+v", err)
	}
}

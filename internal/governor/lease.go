package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrBoundsLooser      = errors.New("lease bounds looser than cartridge defaults")
	ErrUnknownCartridge  = errors.New("lease references unknown cartridge")
	ErrCartridgeExists   = errors.New("cartridge already inserted")
	ErrLeaseNotFound     = errors.New("lease not found")
	ErrActiveLeaseExists = errors.New("cartridge already has an active lease")
	ErrAttestationEmpty  = errors.New("activation requires an attestation")
	ErrInvalidTransition = errors.New("invalid lease transition")
	ErrWindowInvalid     = errors.New("lease validity window invalid")
)

// LeaseState is the governance state of one lease.
type LeaseState uint8

const (
	LeaseDraft LeaseState = iota
	LeaseActive
	LeaseExpired
	LeaseRevoked
	LeaseHalted
)

func (s LeaseState) String() string {
	switch s {
	case LeaseDraft:
		return "DRAFT"
	case LeaseActive:
		return "ACTIVE"
	case LeaseExpired:
		return "EXPIRED"
	case LeaseRevoked:
		return "REVOKED"
	case LeaseHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state accepts no further transitions.
func (s LeaseState) IsTerminal() bool {
	return s == LeaseExpired || s == LeaseRevoked || s == LeaseHalted
}

// leaseTransitions is the full forward table. Anything absent is invalid.
var leaseTransitions = map[LeaseState][]LeaseState{
	LeaseDraft:  {LeaseActive},
	LeaseActive: {LeaseExpired, LeaseRevoked, LeaseHalted},
}

func leaseTransitionValid(from, to LeaseState) bool {
	for _, t := range leaseTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Window is the lease validity window. The safety buffer is the stretch
// before nominal expiry during which new entries are refused while open
// positions may still be managed to exit.
type Window struct {
	Start        time.Time     `yaml:"start" json:"start"`
	Expiry       time.Time     `yaml:"expiry" json:"expiry"`
	MaxDuration  time.Duration `yaml:"maxDuration" json:"maxDuration"`
	SafetyBuffer time.Duration `yaml:"safetyBuffer" json:"safetyBuffer"`
}

func (w Window) validate() error {
	if w.Start.IsZero() || w.Expiry.IsZero() || !w.Expiry.After(w.Start) {
		return errors.Wrap(ErrWindowInvalid, "expiry must follow start")
	}
	if w.MaxDuration > 0 && w.Expiry.Sub(w.Start) > w.MaxDuration {
		return errors.Wrap(ErrWindowInvalid, "window exceeds max duration")
	}
	if w.SafetyBuffer < 0 || w.SafetyBuffer >= w.Expiry.Sub(w.Start) {
		return errors.Wrap(ErrWindowInvalid, "safety buffer exceeds window")
	}
	return nil
}

// Bounds are the lease's operational ceilings. A zero field inherits the
// cartridge default; a non-zero field must be equal to or tighter than it.
type Bounds struct {
	PerTradeRiskBps      int64 `yaml:"perTradeRiskBps" json:"perTradeRiskBps"`
	MinRewardRiskX100    int64 `yaml:"minRewardRiskX100" json:"minRewardRiskX100"`
	MaxTradesPerDay      int64 `yaml:"maxTradesPerDay" json:"maxTradesPerDay"`
	PositionSizeCapBps   int64 `yaml:"positionSizeCapBps" json:"positionSizeCapBps"`
	MaxDrawdownBps       int64 `yaml:"maxDrawdownBps" json:"maxDrawdownBps"`
	MaxConsecutiveLosses int64 `yaml:"maxConsecutiveLosses" json:"maxConsecutiveLosses"`
}

// resolve fills zero fields from the cartridge defaults and rejects any
// field looser than its default. One loose field fails the whole lease.
func (b Bounds) resolve(d RiskDefaults) (Bounds, error) {
	type field struct {
		name string
		val  *int64
		def  int64
		// tighter means "lower is stricter" for caps, inverted for
		// minimum reward:risk.
		lowerStricter bool
	}
	fields := []field{
		{"perTradeRiskBps", &b.PerTradeRiskBps, d.PerTradeRiskBps, true},
		{"minRewardRiskX100", &b.MinRewardRiskX100, d.MinRewardRiskX100, false},
		{"maxTradesPerDay", &b.MaxTradesPerDay, d.MaxTradesPerDay, true},
		{"positionSizeCapBps", &b.PositionSizeCapBps, d.PositionSizeCapBps, true},
		{"maxDrawdownBps", &b.MaxDrawdownBps, d.MaxDrawdownBps, true},
		{"maxConsecutiveLosses", &b.MaxConsecutiveLosses, d.MaxConsecutiveLosses, true},
	}
	for _, f := range fields {
		if *f.val == 0 {
			*f.val = f.def
			continue
		}
		looser := *f.val > f.def
		if !f.lowerStricter {
			looser = *f.val < f.def
		}
		if looser {
			return Bounds{}, errors.Wrap(ErrBoundsLooser, f.name).
				With("lease", *f.val).
				With("cartridge", f.def)
		}
	}
	return b, nil
}

// Lease wraps one cartridge version in a time- and risk-bounded
// governance contract. It never auto-renews.
type Lease struct {
	ID             uuid.UUID
	CartridgeHash  string
	Window         Window
	Bounds         Bounds
	ReviewDue      time.Time
	AttestationRef string

	// state is written under the governor mutex but read lock-free on
	// the decision path, so it lives in an atomic. Zero value is DRAFT.
	state  atomic.Uint32
	halted atomic.Uint32
}

func (l *Lease) loadState() LeaseState   { return LeaseState(l.state.Load()) }
func (l *Lease) storeState(s LeaseState) { l.state.Store(uint32(s)) }

// State reports the governance state, folding in the lock-free halt flag
// so a halted lease reads HALTED before the slow-path transition lands.
func (l *Lease) State() LeaseState {
	if l.halted.Load() == 1 {
		return LeaseHalted
	}
	return l.loadState()
}

// IsActive is the hot-path gate every capital-affecting call site checks.
func (l *Lease) IsActive() bool {
	return l.halted.Load() == 0 && l.loadState() == LeaseActive
}

// StateHash fingerprints the lease's current governance state. Approval
// tokens bind to it so a token issued under one state cannot authorize
// an action under another.
func (l *Lease) StateHash() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%+v|%d", l.ID, l.State(), l.Bounds, l.Window.Expiry.UnixNano()))
	return hex.EncodeToString(sum[:])
}

// LeaseDoc is the on-disk lease document. Bounds left zero inherit the
// cartridge defaults at creation time.
type LeaseDoc struct {
	CartridgeHash string    `yaml:"cartridgeHash" validate:"required,len=64,hexadecimal"`
	Window        Window    `yaml:"window"`
	Bounds        Bounds    `yaml:"bounds"`
	ReviewDue     time.Time `yaml:"reviewDue"`
}

// LoadLeaseDoc reads and validates a lease document file.
func LoadLeaseDoc(path string) (LeaseDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LeaseDoc{}, errors.Wrap(err, "read lease document").With("path", path)
	}
	var doc LeaseDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return LeaseDoc{}, errors.Wrap(err, "unmarshal lease document")
	}
	if err := validate.Struct(&doc); err != nil {
		return LeaseDoc{}, errors.Wrap(err, "validate lease document")
	}
	return doc, nil
}

package position

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/bead"
)

var (
	ErrTokenUsed     = errors.New("approval token already consumed")
	ErrTokenExpired  = errors.New("approval token expired")
	ErrTokenMismatch = errors.New("approval token bound to different position or lease state")
)

// Token is a single-use approval issued by a human-facing surface. It is
// bound to one position identity and to the lease state hash current at
// issuance; the same action requested twice needs a second token.
type Token struct {
	ID             uuid.UUID
	PositionID     uuid.UUID
	LeaseStateHash string
	IssuedAt       time.Time
	ExpiresAt      time.Time

	used atomic.Uint32
}

// Used reports whether the token has been consumed.
func (t *Token) Used() bool {
	return t.used.Load() == 1
}

type tokenRecord struct {
	TokenID        uuid.UUID `json:"tokenId"`
	PositionID     uuid.UUID `json:"positionId"`
	LeaseStateHash string    `json:"leaseStateHash"`
	Event          string    `json:"event"`
	At             time.Time `json:"at"`
}

// Issuer mints and consumes approval tokens with a fixed TTL.
type Issuer struct {
	ttl   time.Duration
	beads bead.Sink
	now   func() time.Time
}

// NewIssuer creates an issuer. TTL at or below zero falls back to 5
// minutes, the short human-approval window.
func NewIssuer(ttl time.Duration, beads bead.Sink) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{ttl: ttl, beads: beads, now: time.Now}
}

// Issue mints a token for one position under the current lease state.
func (i *Issuer) Issue(positionID uuid.UUID, leaseStateHash string) *Token {
	now := i.now()
	t := &Token{
		ID:             uuid.New(),
		PositionID:     positionID,
		LeaseStateHash: leaseStateHash,
		IssuedAt:       now,
		ExpiresAt:      now.Add(i.ttl),
	}
	i.record(t, "issued")
	return t
}

// Consume validates the binding and expiry, then burns the token. The
// burn is a compare-and-swap, so two racing consumers cannot both win.
func (i *Issuer) Consume(t *Token, positionID uuid.UUID, leaseStateHash string) error {
	if t == nil {
		return ErrTokenMismatch
	}
	if t.PositionID != positionID || t.LeaseStateHash != leaseStateHash {
		return ErrTokenMismatch
	}
	if i.now().After(t.ExpiresAt) {
		return ErrTokenExpired
	}
	if !t.used.CompareAndSwap(0, 1) {
		return ErrTokenUsed
	}
	i.record(t, "consumed")
	return nil
}

func (i *Issuer) record(t *Token, event string) {
	if i.beads == nil {
		return
	}
	if _, err := i.beads.Append(bead.TypeApprovalToken, tokenRecord{
		TokenID:        t.ID,
		PositionID:     t.PositionID,
		LeaseStateHash: t.LeaseStateHash,
		Event:          event,
		At:             i.now().UTC(),
	}); err != nil {
		logs.Errorf("record approval token bead, err: %+v", err)
	}
}

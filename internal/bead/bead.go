package bead

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the state transitions a bead may record.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHalt
	TypePositionTransition
	TypeLeaseTransition
	TypeCircuitTransition
	TypeHealthTransition
	TypeApprovalToken
	TypeDrift
	TypeAttestation
	TypeAlert
	TypeConnection
)

func (t Type) String() string {
	switch t {
	case TypeHalt:
		return "HALT"
	case TypePositionTransition:
		return "POSITION_TRANSITION"
	case TypeLeaseTransition:
		return "LEASE_TRANSITION"
	case TypeCircuitTransition:
		return "CIRCUIT_TRANSITION"
	case TypeHealthTransition:
		return "HEALTH_TRANSITION"
	case TypeApprovalToken:
		return "APPROVAL_TOKEN"
	case TypeDrift:
		return "DRIFT"
	case TypeAttestation:
		return "ATTESTATION"
	case TypeAlert:
		return "ALERT"
	case TypeConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Bead is one immutable audit record. Once written it never changes;
// PrevID chains it to the writer's previous bead, uuid.Nil only for genesis.
type Bead struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	CreatedAt   time.Time       `json:"createdAt"`
	PrevID      uuid.UUID       `json:"prevId"`
	ContentHash string          `json:"contentHash"`
	Payload     json.RawMessage `json:"payload"`
}

// HashPayload computes the content hash stored alongside a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the bead's payload hash against the stored one.
func (b Bead) Verify() bool {
	return HashPayload(b.Payload) == b.ContentHash
}

// Sink is the write side every component records transitions through.
// Implementations must be safe for concurrent writers.
type Sink interface {
	Append(t Type, payload any) (Bead, error)
}

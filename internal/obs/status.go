package obs

import (
	"encoding/json"
	"net/http"

	"github.com/yanun0323/logs"
)

// Status is the read-only snapshot of the engine's governance state.
// Facts only: enumerated state values and counts, never derived
// judgment strings.
type Status struct {
	Halted         bool              `json:"halted"`
	HaltOrigin     string            `json:"haltOrigin,omitempty"`
	HealthLevel    string            `json:"healthLevel"`
	FailureCount   int               `json:"failureCount"`
	BreakerStates  map[string]string `json:"breakerStates"`
	BrokerTier     string            `json:"brokerTier"`
	LeaseStates    map[string]string `json:"leaseStates"`
	PositionCounts map[string]int    `json:"positionCounts"`
	BeadCount      int               `json:"beadCount"`
}

// StatusFunc assembles a snapshot on demand.
type StatusFunc func() Status

// StatusHandler serves the snapshot as JSON.
func StatusHandler(fn StatusFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(fn()); err != nil {
			logs.Errorf("encode status snapshot, err: %+v", err)
		}
	})
}

package obs

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestStatusHandlerServesFactsOnly(t *testing.T) {
	h := StatusHandler(func() Status {
		return Status{
			Halted:         true,
			HaltOrigin:     "helm-1",
			HealthLevel:    "CRITICAL",
			FailureCount:   7,
			BreakerStates:  map[string]string{"broker": "OPEN"},
			BrokerTier:     "MONITOR_ONLY",
			LeaseStates:    map[string]string{"lease-1": "HALTED"},
			PositionCounts: map[string]int{"OPEN": 2},
			BeadCount:      41,
		}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Halted || got.HealthLevel != "CRITICAL" || got.BreakerStates["broker"] != "OPEN" {
		t.Fatalf("snapshot mismatch: %+v", got)
	}
	if got.PositionCounts["OPEN"] != 2 || got.BeadCount != 41 {
		t.Fatalf("counts mismatch: %+v", got)
	}
}

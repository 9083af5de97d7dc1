package broker

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"main/internal/backoff"
	"main/internal/bead"
	"main/internal/breaker"
	"main/internal/halt"
	"main/internal/health"
)

type supervisorFixture struct {
	sup    *Supervisor
	conn   *SimConn
	mgr    *halt.Manager
	fsm    *health.FSM
	store  *bead.Store
	alerts map[health.Level]int
}

func newFixture(t *testing.T, cfg Config, healthCfg health.Config) *supervisorFixture {
	t.Helper()
	store, err := bead.Open(bead.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open bead store: %v", err)
	}
	mgr := halt.NewManager("test", store)
	t.Cleanup(func() {
		mgr.Close()
		_ = store.Close()
	})

	fix := &supervisorFixture{
		conn:   NewSimConn(),
		mgr:    mgr,
		store:  store,
		alerts: make(map[health.Level]int),
	}
	fix.fsm = health.New(healthCfg, store, func(level health.Level, reason string) {
		fix.alerts[level]++
	}, func(reason string) { mgr.HaltLocal(reason) }, nil)

	brk := breaker.New("broker", breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Millisecond}, nil)
	bo, err := backoff.New(backoff.Config{Base: time.Millisecond, Max: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new backoff: %v", err)
	}
	fix.sup = NewSupervisor(cfg, fix.conn, brk, bo, fix.fsm, mgr, store)
	return fix
}

func defaultHealthConfig() health.Config {
	return health.Config{
		DegradedThreshold: 3,
		CriticalThreshold: 6,
		HaltedThreshold:   50,
		Window:            time.Minute,
		Cooldown:          time.Minute,
		AlertSuppression:  time.Minute,
	}
}

func TestSubmitChecksHaltFirst(t *testing.T) {
	fix := newFixture(t, Config{}, defaultHealthConfig())
	fix.mgr.HaltLocal("operator stop")

	if _, err := fix.sup.Submit(t.Context(), Order{Instrument: "ES"}); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if got := len(fix.conn.Submitted()); got != 0 {
		t.Fatalf("halted submit must not reach the broker, got %d orders", got)
	}
}

func TestSubmitRefusedWhileMonitorOnly(t *testing.T) {
	fix := newFixture(t, Config{}, defaultHealthConfig())
	fix.sup.setTier(TierMonitorOnly)

	if _, err := fix.sup.Submit(t.Context(), Order{Instrument: "ES"}); !errors.Is(err, ErrMonitorOnly) {
		t.Fatalf("expected ErrMonitorOnly, got %v", err)
	}
}

func TestSubmitPassesThrough(t *testing.T) {
	fix := newFixture(t, Config{}, defaultHealthConfig())

	ack, err := fix.sup.Submit(t.Context(), Order{Instrument: "ES", Side: SideBuy, Qty: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != AckAccepted {
		t.Fatalf("expected accepted ack, got %+v", ack)
	}
	if got := len(fix.conn.Submitted()); got != 1 {
		t.Fatalf("expected 1 order at the broker, got %d", got)
	}
}

func TestMissedHeartbeatsTriggerValidatedReconnect(t *testing.T) {
	fix := newFixture(t, Config{MissThreshold: 2, MonitorOnlyAfter: time.Hour, HaltAfter: 2 * time.Hour}, defaultHealthConfig())
	fix.conn.Drop(true)

	fix.sup.heartbeat(t.Context())
	if fix.sup.Tier() != TierFull {
		t.Fatalf("one miss must not degrade, tier %s", fix.sup.Tier())
	}
	fix.sup.heartbeat(t.Context())

	if fix.sup.Tier() != TierFull {
		t.Fatalf("validated reconnect should restore FULL, got %s", fix.sup.Tier())
	}

	events := connectionEvents(fix.store)
	want := []string{"disconnected", "reconnect_attempt", "reconnected"}
	if len(events) != len(want) {
		t.Fatalf("connection trail %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("connection trail %v, want %v", events, want)
		}
	}
}

func TestReconnectBudgetExhaustionIsTerminal(t *testing.T) {
	fix := newFixture(t, Config{
		MissThreshold:        1,
		MonitorOnlyAfter:     time.Hour,
		HaltAfter:            2 * time.Hour,
		MaxReconnectAttempts: 3,
	}, defaultHealthConfig())
	fix.conn.Drop(false)

	fix.sup.heartbeat(t.Context())

	if fix.sup.Tier() != TierHalted {
		t.Fatalf("expected HALTED tier after exhausted budget, got %s", fix.sup.Tier())
	}
	if !fix.mgr.IsHalted() {
		t.Fatal("exhausted reconnect budget must halt, not retry forever")
	}
	events := connectionEvents(fix.store)
	attempts := 0
	exhausted := false
	for _, e := range events {
		switch e {
		case "reconnect_attempt":
			attempts++
		case "reconnect_exhausted":
			exhausted = true
		}
	}
	if attempts != 3 || !exhausted {
		t.Fatalf("expected 3 attempts then exhaustion, trail %v", events)
	}
}

func TestDegradationIsMonotonicDownward(t *testing.T) {
	fix := newFixture(t, Config{
		MissThreshold:        1,
		MonitorOnlyAfter:     time.Millisecond,
		HaltAfter:            time.Hour,
		MaxReconnectAttempts: 3,
	}, defaultHealthConfig())
	fix.conn.Drop(false)

	fix.sup.heartbeat(t.Context())

	if fix.sup.Tier() != TierHalted {
		// Budget exhaustion pinned the tier; MONITOR_ONLY must still
		// have been passed through on the way down.
		t.Fatalf("unexpected final tier %s", fix.sup.Tier())
	}
	sawMonitorOnly := false
	for _, b := range fix.store.ByType(bead.TypeConnection) {
		if string(b.Payload) != "" && contains(b.Payload, `"degraded"`) && contains(b.Payload, TierMonitorOnly.String()) {
			sawMonitorOnly = true
		}
	}
	if !sawMonitorOnly {
		t.Fatal("expected a MONITOR_ONLY degradation on the way down")
	}
}

// Scenario: ten broker disconnects inside one alert window produce one
// CRITICAL alert, a degraded system, and a complete bead trail.
func TestDisconnectStormAlertsOnce(t *testing.T) {
	fix := newFixture(t, Config{
		MissThreshold:    1,
		MonitorOnlyAfter: time.Hour,
		HaltAfter:        2 * time.Hour,
	}, defaultHealthConfig())

	for i := 0; i < 10; i++ {
		fix.conn.Drop(true)
		fix.sup.heartbeat(t.Context())
	}

	if fix.alerts[health.LevelCritical] != 1 {
		t.Fatalf("CRITICAL alerts=%d, want exactly 1", fix.alerts[health.LevelCritical])
	}
	if fix.fsm.Level() < health.LevelDegraded {
		t.Fatalf("expected a degraded system, level %s", fix.fsm.Level())
	}

	events := connectionEvents(fix.store)
	disconnects, attempts := 0, 0
	for _, e := range events {
		switch e {
		case "disconnected":
			disconnects++
		case "reconnect_attempt":
			attempts++
		}
	}
	if disconnects != 10 || attempts != 10 {
		t.Fatalf("bead trail incomplete: %d disconnects, %d attempts", disconnects, attempts)
	}
}

func TestUpdateConfigRetunesMissThreshold(t *testing.T) {
	fix := newFixture(t, Config{
		MissThreshold:    5,
		MonitorOnlyAfter: time.Hour,
		HaltAfter:        2 * time.Hour,
	}, defaultHealthConfig())
	fix.conn.Drop(true)

	fix.sup.heartbeat(t.Context())
	if got := connectionEvents(fix.store); len(got) != 0 {
		t.Fatalf("one miss under threshold 5 must not disconnect, trail %v", got)
	}

	cfg := fix.sup.config()
	cfg.MissThreshold = 2
	fix.sup.UpdateConfig(cfg)

	fix.sup.heartbeat(t.Context())
	events := connectionEvents(fix.store)
	if len(events) == 0 || events[0] != "disconnected" {
		t.Fatalf("reloaded threshold must take effect, trail %v", events)
	}
}

func TestReconnectAttemptsFeedObserverHook(t *testing.T) {
	fix := newFixture(t, Config{
		MissThreshold:        1,
		MonitorOnlyAfter:     time.Hour,
		HaltAfter:            2 * time.Hour,
		MaxReconnectAttempts: 3,
	}, defaultHealthConfig())

	var attempts []int
	fix.sup.OnReconnectAttempt(func(a int) { attempts = append(attempts, a) })
	fix.conn.Drop(false)

	fix.sup.heartbeat(t.Context())

	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("hook must see every attempt, got %v", attempts)
	}
}

func connectionEvents(store *bead.Store) []string {
	var out []string
	for _, b := range store.ByType(bead.TypeConnection) {
		for _, name := range []string{"disconnected", "reconnect_attempt", "reconnected", "reconnect_exhausted", "degraded"} {
			if contains(b.Payload, `"`+name+`"`) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func contains(payload []byte, sub string) bool {
	return bytes.Contains(payload, []byte(sub))
}

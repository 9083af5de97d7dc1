package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		DegradedThreshold: 3,
		CriticalThreshold: 6,
		HaltedThreshold:   10,
		Window:            time.Minute,
		Cooldown:          10 * time.Millisecond,
		AlertSuppression:  time.Minute,
	}
}

func TestEscalatesByWindowThresholds(t *testing.T) {
	f := New(testConfig(), nil, nil, nil, nil)

	for i := 0; i < 2; i++ {
		f.RecordFailure("broker", "ping timeout")
	}
	if f.Level() != LevelHealthy {
		t.Fatalf("2 failures should stay HEALTHY, got %s", f.Level())
	}
	f.RecordFailure("broker", "ping timeout")
	if f.Level() != LevelDegraded {
		t.Fatalf("3 failures should be DEGRADED, got %s", f.Level())
	}
	for i := 0; i < 3; i++ {
		f.RecordFailure("broker", "ping timeout")
	}
	if f.Level() != LevelCritical {
		t.Fatalf("6 failures should be CRITICAL, got %s", f.Level())
	}
}

func TestBurstProducesSingleAlertPerLevel(t *testing.T) {
	alerts := make(map[Level]int)
	f := New(testConfig(), nil, func(level Level, reason string) {
		alerts[level]++
	}, nil, nil)

	// A burst well past the critical threshold within one suppression
	// window: exactly one alert per severity reached, never one per
	// failure.
	for i := 0; i < 9; i++ {
		f.RecordFailure("broker", "disconnect")
	}
	if alerts[LevelDegraded] != 1 {
		t.Fatalf("DEGRADED alerts=%d, want 1", alerts[LevelDegraded])
	}
	if alerts[LevelCritical] != 1 {
		t.Fatalf("CRITICAL alerts=%d, want 1", alerts[LevelCritical])
	}
}

func TestHaltedInvokesHaltHook(t *testing.T) {
	var haltedReason string
	f := New(testConfig(), nil, nil, func(reason string) {
		haltedReason = reason
	}, nil)

	for i := 0; i < 10; i++ {
		f.RecordFailure("broker", "disconnect storm")
	}
	if f.Level() != LevelHalted {
		t.Fatalf("expected HALTED, got %s", f.Level())
	}
	if haltedReason != "disconnect storm" {
		t.Fatalf("halt hook reason %q", haltedReason)
	}
}

func TestRecoveryGatedByCooldownAndProbe(t *testing.T) {
	probeErr := errors.New("still down")
	probeResult := probeErr
	f := New(testConfig(), nil, nil, nil, func(ctx context.Context) error {
		return probeResult
	})

	for i := 0; i < 3; i++ {
		f.RecordFailure("broker", "timeout")
	}
	if err := f.TryRecover(t.Context()); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := f.TryRecover(t.Context()); !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
	if f.Level() != LevelDegraded {
		t.Fatalf("failed probe must not recover, got %s", f.Level())
	}

	probeResult = nil
	if err := f.TryRecover(t.Context()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if f.Level() != LevelHealthy {
		t.Fatalf("expected HEALTHY after recovery, got %s", f.Level())
	}
}

func TestHaltedRefusesProbeRecovery(t *testing.T) {
	f := New(testConfig(), nil, nil, nil, func(ctx context.Context) error { return nil })
	for i := 0; i < 10; i++ {
		f.RecordFailure("broker", "storm")
	}
	time.Sleep(15 * time.Millisecond)
	if err := f.TryRecover(t.Context()); !errors.Is(err, ErrHaltedRecovery) {
		t.Fatalf("expected ErrHaltedRecovery, got %v", err)
	}
}

func TestUpdateConfigRetunesThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.DegradedThreshold = 10
	f := New(cfg, nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		f.RecordFailure("broker", "blip")
	}
	if f.Level() != LevelHealthy {
		t.Fatalf("3 failures under threshold 10 must stay HEALTHY, got %s", f.Level())
	}

	cfg.DegradedThreshold = 3
	f.UpdateConfig(cfg)
	f.RecordFailure("broker", "blip")
	if f.Level() != LevelDegraded {
		t.Fatalf("reloaded threshold must take effect, got %s", f.Level())
	}
}

func TestOldFailuresFallOutOfWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 20 * time.Millisecond
	f := New(cfg, nil, nil, nil, nil)

	f.RecordFailure("broker", "blip")
	f.RecordFailure("broker", "blip")
	time.Sleep(30 * time.Millisecond)
	f.RecordFailure("broker", "blip")

	if f.Level() != LevelHealthy {
		t.Fatalf("stale failures must not escalate, got %s", f.Level())
	}
	if got := f.FailureCount(); got != 1 {
		t.Fatalf("window should hold 1 failure, got %d", got)
	}
}

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBrokerDown = errors.New("broker down")

func failing(ctx context.Context) error { return errBrokerDown }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 3, RecoveryTimeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
			t.Fatalf("attempt %d: expected broker error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", b.State())
	}
}

func TestOpenRejectsWithoutInvokingOperation(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("trip call: %v", err)
	}

	calls := 0
	err := b.Do(t.Context(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("operation invoked %d times while OPEN", calls)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 2, RecoveryTimeout: time.Hour}, nil)

	ok := func(ctx context.Context) error { return nil }
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("first failure: %v", err)
	}
	if err := b.Do(t.Context(), ok); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("second failure: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not trip, state %s", b.State())
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("trip call: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Do(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN during probe, got %s", b.State())
	}
	// A second concurrent call is rejected, not queued.
	err := b.Do(t.Context(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrProbeInFlight) {
		t.Fatalf("expected ErrProbeInFlight, got %v", err)
	}

	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after probe success, got %s", b.State())
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("trip call: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after probe failure, got %s", b.State())
	}
}

func TestProbeResultDiscardedOnCancel(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	if err := b.Do(t.Context(), failing); !errors.Is(err, errBrokerDown) {
		t.Fatalf("trip call: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	err := b.Do(ctx, func(ctx context.Context) error {
		cancel() // halt arrives mid-probe
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("cancelled probe result must be discarded, state %s", b.State())
	}
}

func TestTransitionsObserved(t *testing.T) {
	var transitions []State
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond},
		func(name string, from, to State) {
			if name != "broker" {
				t.Errorf("unexpected breaker name %q", name)
			}
			transitions = append(transitions, to)
		})

	_ = b.Do(t.Context(), failing)
	time.Sleep(5 * time.Millisecond)
	_ = b.Do(t.Context(), func(ctx context.Context) error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions %v, want %v", transitions, want)
		}
	}
}

func TestReset(t *testing.T) {
	b := New("broker", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	_ = b.Do(t.Context(), failing)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after reset, got %s", b.State())
	}
}

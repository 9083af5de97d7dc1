package halt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"main/internal/bead"
)

var ErrUnauthorizedReset = errors.New("halt reset requires a human authorization token")

// Event is the halt frame shared in-process and across the cascade.
type Event struct {
	ID     uuid.UUID `json:"haltId"`
	Reason string    `json:"reason"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type resetRecord struct {
	HaltID       uuid.UUID `json:"haltId"`
	AuthorizedBy string    `json:"authorizedBy"`
	At           time.Time `json:"at"`
}

// Manager owns the process-wide halt flag. The flag itself is a single
// atomic word so HaltLocal and IsHalted stay far inside the 50ms budget;
// bead writes happen off the hot path through a buffered queue.
type Manager struct {
	origin string
	beads  bead.Sink

	halted uint32
	event  atomic.Value

	mu        sync.Mutex
	listeners map[int]chan Event
	nextSub   int

	recordCh chan any
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a halt manager and starts its bead recording loop.
// beads may be nil, in which case transitions are not recorded.
func NewManager(origin string, beads bead.Sink) *Manager {
	m := &Manager{
		origin:    origin,
		beads:     beads,
		listeners: make(map[int]chan Event),
		recordCh:  make(chan any, 64),
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.recordLoop()
	return m
}

// IsHalted reports the halt flag with a single atomic load. Every
// capital-affecting call site consults this first, synchronously.
func (m *Manager) IsHalted() bool {
	return atomic.LoadUint32(&m.halted) != 0
}

// Event returns the halt event that set the flag, if any.
func (m *Manager) Event() (Event, bool) {
	v := m.event.Load()
	if v == nil {
		return Event{}, false
	}
	return v.(Event), m.IsHalted()
}

// HaltLocal sets the in-process flag and returns immediately. The bead
// write and listener notification are queued, never awaited.
func (m *Manager) HaltLocal(reason string) Event {
	ev := Event{
		ID:     uuid.New(),
		Reason: reason,
		Origin: m.origin,
		At:     time.Now().UTC(),
	}
	return m.apply(ev)
}

// apply installs a halt event, local or received from the cascade.
// Idempotent: a second halt while halted keeps the first event.
func (m *Manager) apply(ev Event) Event {
	if !atomic.CompareAndSwapUint32(&m.halted, 0, 1) {
		if cur, ok := m.Event(); ok {
			return cur
		}
		return ev
	}
	m.event.Store(ev)
	m.enqueueRecord(ev)
	m.notify(ev)
	return ev
}

// HaltCascade halts locally first, then pushes the frame to every
// cascade subscriber inside the broadcast budget. The returned count is
// the subscribers that could not be confirmed before the budget elapsed;
// the caller escalates those, it never retries silently.
func (m *Manager) HaltCascade(ctx context.Context, bc *Broadcaster, reason string) (Event, int) {
	ev := m.HaltLocal(reason)
	if bc == nil {
		return ev, 0
	}
	return ev, bc.Broadcast(ctx, ev)
}

// Reset clears the halt flag. It refuses to proceed without an explicit
// human authorization token and records the reset as a bead.
func (m *Manager) Reset(authorizedBy string) error {
	if authorizedBy == "" {
		return ErrUnauthorizedReset
	}
	ev, _ := m.Event()
	if m.beads != nil {
		// Reset is rare and human-driven; record synchronously.
		if _, err := m.beads.Append(bead.TypeHalt, resetRecord{
			HaltID:       ev.ID,
			AuthorizedBy: authorizedBy,
			At:           time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	atomic.StoreUint32(&m.halted, 0)
	return nil
}

// Subscribe registers an in-process listener. The returned cancel func
// must be called to release the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 1)
	m.listeners[id] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
	return ch, cancel
}

// Close stops the recording loop after draining queued records.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) enqueueRecord(payload any) {
	if m.beads == nil {
		return
	}
	select {
	case m.recordCh <- payload:
	default:
	}
}

func (m *Manager) recordLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			for {
				select {
				case payload := <-m.recordCh:
					m.record(payload)
				default:
					return
				}
			}
		case payload := <-m.recordCh:
			m.record(payload)
		}
	}
}

func (m *Manager) record(payload any) {
	if m.beads == nil {
		return
	}
	_, _ = m.beads.Append(bead.TypeHalt, payload)
}

// Halted returns a context that is cancelled the moment a halt arrives,
// for wrapping waits that must be interruptible by a halt.
func (m *Manager) Halted(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if m.IsHalted() {
		cancel()
		return ctx, cancel
	}
	ch, unsub := m.Subscribe()
	go func() {
		defer unsub()
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

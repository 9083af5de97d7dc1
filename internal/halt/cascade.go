package halt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

var (
	ErrEmptySocketPath = errors.New("halt cascade socket path is empty")
	ErrPathNotSocket   = errors.New("halt cascade path exists and is not a socket")
	ErrNotListening    = errors.New("halt cascade broadcaster not listening")
)

const unixNetwork = "unix"

// DefaultCascadeBudget bounds end-to-end delivery to all live listeners.
const DefaultCascadeBudget = 500 * time.Millisecond

// Broadcaster fans halt frames out to subscribed processes over a unix
// domain socket. Receipt is authoritative for subscribers; no ack is
// required before they halt locally.
type Broadcaster struct {
	addr   net.UnixAddr
	budget time.Duration

	mu    sync.Mutex
	ln    *net.UnixListener
	conns map[net.Conn]struct{}
}

// NewBroadcaster creates a broadcaster for the given socket path.
func NewBroadcaster(path string, budget time.Duration) (*Broadcaster, error) {
	if path == "" {
		return nil, ErrEmptySocketPath
	}
	if budget <= 0 {
		budget = DefaultCascadeBudget
	}
	return &Broadcaster{
		addr:   net.UnixAddr{Name: path, Net: unixNetwork},
		budget: budget,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the socket and starts accepting subscribers.
func (b *Broadcaster) Listen(ctx context.Context) error {
	if err := removeIfExists(b.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &b.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)

	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	go b.acceptLoop(ctx, ln)
	return nil
}

// Broadcast writes the halt frame to every subscriber inside the cascade
// budget. A subscriber that cannot be reached in budget is reported as
// unconfirmed; the caller has already halted locally and must escalate,
// not retry silently.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) (unconfirmed int) {
	frame, err := json.Marshal(ev)
	if err != nil {
		logs.Errorf("marshal halt frame, err: %+v", err)
		return 0
	}
	frame = append(frame, '\n')

	deadline := time.Now().Add(b.budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(deadline)
		if _, err := c.Write(frame); err != nil {
			unconfirmed++
			logs.Errorf("halt %s unconfirmed for subscriber, err: %+v", ev.ID, err)
			b.drop(c)
		}
	}
	return unconfirmed
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops the listener and disconnects all subscribers.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return ErrNotListening
	}
	err := b.ln.Close()
	b.ln = nil
	for c := range b.conns {
		_ = c.Close()
	}
	b.conns = make(map[net.Conn]struct{})
	return err
}

func (b *Broadcaster) acceptLoop(ctx context.Context, ln *net.UnixListener) {
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) drop(c net.Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close()
}

// Listener subscribes a process to a broadcaster and halts the local
// manager the moment a frame arrives.
type Listener struct {
	addr net.UnixAddr
	mgr  *Manager
}

// NewListener creates a cascade listener bound to the local manager.
func NewListener(path string, mgr *Manager) (*Listener, error) {
	if path == "" {
		return nil, ErrEmptySocketPath
	}
	return &Listener{
		addr: net.UnixAddr{Name: path, Net: unixNetwork},
		mgr:  mgr,
	}, nil
}

// Run dials the broadcaster and consumes halt frames until the context
// is done or the connection drops.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.DialUnix(unixNetwork, nil, &l.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logs.Errorf("decode halt frame, err: %+v", err)
			continue
		}
		l.mgr.apply(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func removeIfExists(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return ErrPathNotSocket
	}
	return os.Remove(path)
}

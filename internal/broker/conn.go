package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrDisconnected = errors.New("broker connection down")
	ErrUnreachable  = errors.New("broker unreachable")
)

// Side is the order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Order is the submit request passed to the broker connection.
type Order struct {
	PositionID uuid.UUID
	Instrument string
	Side       Side
	Qty        int64
	Price      int64
}

// AckStatus reports the broker's answer to a submit.
type AckStatus uint8

const (
	AckUnknown AckStatus = iota
	AckAccepted
	AckRejected
)

// Ack is the broker acknowledgment for one order.
type Ack struct {
	OrderID string
	Status  AckStatus
}

// Conn is the external brokerage connection. Every method that touches
// the wire takes a context and honors its deadline.
type Conn interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Submit(ctx context.Context, o Order) (Ack, error)
	Close() error
}

// SimConn is a scriptable in-memory connection for paper trading and
// tests. Disconnects are injected with Drop; Connect succeeds again only
// after Restore, which models "validated reconnection", not merely an
// open socket.
type SimConn struct {
	mu          sync.Mutex
	connected   bool
	connectable bool
	submitted   []Order
}

// NewSimConn creates a connected simulator.
func NewSimConn() *SimConn {
	return &SimConn{connected: true, connectable: true}
}

// Drop severs the connection. When allowReconnect is false, Connect
// attempts keep failing until Restore is called.
func (c *SimConn) Drop(allowReconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.connectable = allowReconnect
}

// Restore makes the next Connect attempt succeed.
func (c *SimConn) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectable = true
}

// Submitted returns all accepted orders.
func (c *SimConn) Submitted() []Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Order, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// Connect implements Conn.
func (c *SimConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connectable {
		return ErrUnreachable
	}
	c.connected = true
	return nil
}

// Ping implements Conn.
func (c *SimConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrDisconnected
	}
	return nil
}

// Submit implements Conn.
func (c *SimConn) Submit(ctx context.Context, o Order) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return Ack{}, ErrDisconnected
	}
	c.submitted = append(c.submitted, o)
	return Ack{OrderID: uuid.New().String(), Status: AckAccepted}, nil
}

// Close implements Conn.
func (c *SimConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

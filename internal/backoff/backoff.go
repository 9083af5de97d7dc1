package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config defines the exponential delay curve.
type Config struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	return c
}

// Validate ensures the curve stays monotonic under jitter.
func (c Config) Validate() error {
	if c.JitterFrac < 0 || c.JitterFrac > 1 {
		return fmt.Errorf("jitterFrac must be between 0 and 1")
	}
	if c.Max > 0 && c.Base > c.Max {
		return fmt.Errorf("base must be <= max")
	}
	return nil
}

// Controller computes exponential delays with bounded jitter. It holds no
// shared state beyond its attempt counter; use one instance per retried
// operation.
type Controller struct {
	cfg     Config
	attempt int
	rng     *rand.Rand
}

// New creates a controller with the attempt counter at zero.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
	}, nil
}

// Delay is the pure curve: min(base * 2^attempt + jitter, max), with
// jitter bounded to JitterFrac of the computed delay.
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := c.cfg.Base
	for i := 0; i < attempt; i++ {
		exp *= 2
		if exp >= c.cfg.Max || exp <= 0 {
			return c.cfg.Max
		}
	}
	if exp >= c.cfg.Max {
		return c.cfg.Max
	}
	delay := exp
	if c.cfg.JitterFrac > 0 {
		jitter := time.Duration(c.rng.Float64() * c.cfg.JitterFrac * float64(exp))
		delay += jitter
	}
	if delay > c.cfg.Max {
		return c.cfg.Max
	}
	return delay
}

// Attempt returns the current attempt count.
func (c *Controller) Attempt() int { return c.attempt }

// Next sleeps for the next delay in the curve and advances the counter.
// The wait is interrupted immediately when the context is cancelled,
// which is how an incoming halt cuts a backoff short.
func (c *Controller) Next(ctx context.Context) error {
	d := c.Delay(c.attempt)
	c.attempt++

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset zeroes the attempt counter.
func (c *Controller) Reset() { c.attempt = 0 }

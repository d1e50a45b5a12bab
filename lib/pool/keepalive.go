/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Channel is a pooled upstream connection, tagged with bookkeeping used by
// the sweeper (spec.md §4.6).
type Channel struct {
	Conn          net.Conn
	CreatedAt     time.Time
	LastUsedAt    time.Time
	RequestCount  int
	leased        bool
}

// KeepAliveConfig configures a Pool (spec.md §4.6, keyed per
// (escaper, upstream, user) by the caller choosing a distinct Pool per
// key).
type KeepAliveConfig struct {
	MinIdle                 int
	MaxIdle                 int
	CheckInterval           time.Duration
	ConnectionAliveTime     time.Duration
	ConnectionMaxRequests   int
	WaitNewChannel          bool
	Dial                    func(ctx context.Context) (net.Conn, error)
	Clock                   clockwork.Clock
	Log                     logrus.FieldLogger
}

func (c *KeepAliveConfig) checkAndSetDefaults() error {
	if c.Dial == nil {
		return trace.BadParameter("Dial is required")
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 8
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxIdle {
		return trace.BadParameter("min_idle %d exceeds max_idle %d", c.MinIdle, c.MaxIdle)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "pool")
	}
	return nil
}

// Pool is a keepalive pool of idle upstream Channels for one
// (escaper, upstream, user) key.
type Pool struct {
	cfg  KeepAliveConfig
	mu   sync.Mutex
	idle []*Channel
}

// NewPool creates a Pool. Call Run to start the sweeper.
func NewPool(cfg KeepAliveConfig) (*Pool, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{cfg: cfg}, nil
}

// IdleCount returns the number of channels currently idle in the pool.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Lease returns an idle channel if one is available. If none is available
// and WaitNewChannel is false, it dials a new one immediately; if
// WaitNewChannel is true, a new dial is still performed here (this engine
// has no separate waiter queue — "wait briefly" is realized by the
// caller's own dial timeout budget).
func (p *Pool) Lease(ctx context.Context) (*Channel, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		ch.leased = true
		return ch, nil
	}
	p.mu.Unlock()

	conn, err := p.cfg.Dial(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := p.cfg.Clock.Now()
	return &Channel{Conn: conn, CreatedAt: now, LastUsedAt: now, leased: true}, nil
}

// Return returns a channel to the pool after clean protocol-level
// completion. A channel closed or errored by the caller must not be
// returned; call Discard instead.
func (p *Pool) Return(ch *Channel) {
	ch.leased = false
	ch.RequestCount++
	ch.LastUsedAt = p.cfg.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.cfg.MaxIdle {
		ch.Conn.Close()
		return
	}
	p.idle = append(p.idle, ch)
}

// Discard closes and drops a channel that hit a timeout or protocol error.
func (p *Pool) Discard(ch *Channel) {
	ch.Conn.Close()
}

// sweepOnce closes channels exceeding ConnectionAliveTime or
// ConnectionMaxRequests and reports how many were retired, so Run can
// decide whether to refill toward MinIdle.
func (p *Pool) sweepOnce() int {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	kept := p.idle[:0]
	retired := 0
	for _, ch := range p.idle {
		expired := p.cfg.ConnectionAliveTime > 0 && now.Sub(ch.CreatedAt) > p.cfg.ConnectionAliveTime
		overused := p.cfg.ConnectionMaxRequests > 0 && ch.RequestCount >= p.cfg.ConnectionMaxRequests
		if expired || overused {
			ch.Conn.Close()
			retired++
			continue
		}
		kept = append(kept, ch)
	}
	p.idle = kept
	p.mu.Unlock()
	return retired
}

// refillToMinIdle opportunistically dials new channels until MinIdle is
// met (spec.md §4.6 "refills to min_idle opportunistically").
func (p *Pool) refillToMinIdle(ctx context.Context) {
	for p.IdleCount() < p.cfg.MinIdle {
		conn, err := p.cfg.Dial(ctx)
		if err != nil {
			p.cfg.Log.WithError(err).Debug("pool refill dial failed")
			return
		}
		now := p.cfg.Clock.Now()
		p.mu.Lock()
		p.idle = append(p.idle, &Channel{Conn: conn, CreatedAt: now, LastUsedAt: now})
		p.mu.Unlock()
	}
}

// Run drives the sweep-and-refill loop until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeAll()
			return
		case <-ticker.Chan():
			p.sweepOnce()
			p.refillToMinIdle(ctx)
		}
	}
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.idle {
		ch.Conn.Close()
	}
	p.idle = nil
}

// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbmanager/dbmanager/go/tools/timer"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolNotOpen is returned by Get before Open.
	ErrPoolNotOpen = errors.New("pool is not open")

	// ErrPoolExhausted is returned when the pool is at capacity and the
	// pool is configured not to wait.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrTimeout is returned when the acquire wait elapses.
	ErrTimeout = errors.New("timeout waiting for connection")
)

const (
	defaultCapacity      = 10
	defaultSweepInterval = 30 * time.Second
)

// Config holds configuration for the connection pool.
type Config struct {
	// Name identifies the pool in logs.
	Name string

	// Capacity is the maximum number of live connections. Defaults to 10.
	Capacity int

	// MinIdle connections are dialed by Open and kept by the sweeper.
	MinIdle int

	// MaxIdle is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdle int

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// AcquireTimeout bounds how long Get waits for a connection when the
	// pool is at capacity. 0 waits until the caller's context ends; a
	// negative value fails immediately with ErrPoolExhausted.
	AcquireTimeout time.Duration

	// ConnectTimeout bounds each dial. 0 means no bound beyond the
	// caller's context.
	ConnectTimeout time.Duration

	// TestOnAcquire pings idle connections before handing them out.
	TestOnAcquire bool

	// SweepInterval is how often idle connections are reaped. Defaults to
	// 30s when IdleTimeout or MaxLifetime is set.
	SweepInterval time.Duration

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.Capacity {
		cfg.MaxIdle = cfg.Capacity
	}
	cfg.MinIdle = max(0, min(cfg.MinIdle, cfg.MaxIdle))
	if cfg.SweepInterval <= 0 && (cfg.IdleTimeout > 0 || cfg.MaxLifetime > 0) {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Pool is a bounded pool of connections to one target.
//
// At most Capacity connections are alive at any time. Get prefers the most
// recently returned idle connection, dials a new one while under capacity,
// and otherwise queues the caller on a FIFO waitlist.
type Pool[C Connection] struct {
	cfg     Config
	logger  *slog.Logger
	connect Connector[C]

	// mu protects everything below it.
	mu       sync.Mutex
	idle     []*slot[C] // LIFO
	waiters  waitlist[C]
	active   int // dialing + borrowed + idle
	borrowed int
	closed   bool
	sweeper  *timer.PeriodicRunner

	waitCount    atomic.Int64
	waitTimeouts atomic.Int64
	dialFailures atomic.Int64
	pingFailures atomic.Int64
}

// NewPool creates a pool. It holds no connections until Open.
func NewPool[C Connection](cfg Config) *Pool[C] {
	cfg = cfg.withDefaults()
	return &Pool[C]{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Name returns the configured pool name.
func (p *Pool[C]) Name() string {
	return p.cfg.Name
}

// Capacity returns the maximum number of live connections.
func (p *Pool[C]) Capacity() int {
	return p.cfg.Capacity
}

// Open installs the connector, dials MinIdle connections and starts the
// idle sweeper. If any of the initial dials fails the pool is closed and
// the dial error is returned.
func (p *Pool[C]) Open(ctx context.Context, connect Connector[C]) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.connect = connect
	p.mu.Unlock()

	if err := p.Prewarm(ctx, p.cfg.MinIdle); err != nil {
		_ = p.Close()
		return err
	}

	if p.cfg.SweepInterval > 0 {
		p.mu.Lock()
		if !p.closed {
			p.sweeper = timer.NewPeriodicRunner(context.WithoutCancel(ctx), p.cfg.SweepInterval)
			p.sweeper.Start(p.sweep, nil)
		}
		p.mu.Unlock()
	}

	p.logger.DebugContext(ctx, "connection pool opened",
		"pool", p.cfg.Name,
		"capacity", p.cfg.Capacity,
		"min_idle", p.cfg.MinIdle)
	return nil
}

// Prewarm dials up to n connections and parks them idle, stopping early at
// capacity.
func (p *Pool[C]) Prewarm(ctx context.Context, n int) error {
	for range n {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.active >= p.cfg.Capacity {
			p.mu.Unlock()
			return nil
		}
		p.active++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.releaseSlotLocked()
			p.mu.Unlock()
			return fmt.Errorf("failed to create connection: %w", err)
		}

		p.mu.Lock()
		stale := p.parkLocked(newSlot(conn))
		p.mu.Unlock()
		closeSlot(stale)
	}
	return nil
}

// Get borrows a connection. The caller must Recycle or Taint it.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.cfg.AcquireTimeout, ErrTimeout)
		defer cancel()
	}

	for {
		if ctx.Err() != nil {
			return nil, waitError(ctx)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.connect == nil {
			p.mu.Unlock()
			return nil, ErrPoolNotOpen
		}

		s, stale := p.popIdleLocked(time.Now())
		if s != nil {
			p.borrowed++
			p.mu.Unlock()
			closeSlots(stale)

			if p.cfg.TestOnAcquire {
				if err := s.conn.Ping(ctx); err != nil {
					p.pingFailures.Add(1)
					p.logger.DebugContext(ctx, "discarding connection that failed checkout ping",
						"pool", p.cfg.Name, "error", err)
					p.discard(s)
					continue
				}
			}
			return p.lend(s), nil
		}

		if p.active < p.cfg.Capacity {
			p.active++
			p.borrowed++
			p.mu.Unlock()
			closeSlots(stale)
			return p.dialReserved(ctx)
		}

		if p.cfg.AcquireTimeout < 0 {
			p.mu.Unlock()
			closeSlots(stale)
			return nil, ErrPoolExhausted
		}

		w, elem := p.waiters.push()
		p.mu.Unlock()
		closeSlots(stale)
		p.waitCount.Add(1)

		select {
		case s, ok := <-w.ch:
			if !ok {
				return nil, ErrPoolClosed
			}
			if s == nil {
				// a freed slot was reserved for us
				return p.dialReserved(ctx)
			}
			return p.lend(s), nil

		case <-ctx.Done():
			p.mu.Lock()
			removed := p.waiters.remove(elem)
			p.mu.Unlock()
			p.waitTimeouts.Add(1)

			if !removed {
				// Someone already served us. Pass it on.
				if s, ok := <-w.ch; ok {
					if s != nil {
						p.put(s)
					} else {
						p.mu.Lock()
						p.borrowed--
						p.releaseSlotLocked()
						p.mu.Unlock()
					}
				}
			}
			return nil, waitError(ctx)
		}
	}
}

func waitError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return cause
}

// dialReserved dials into a slot already counted as active and borrowed
// by the caller.
func (p *Pool[C]) dialReserved(ctx context.Context) (*Pooled[C], error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.borrowed--
		p.releaseSlotLocked()
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, waitError(ctx)
		}
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return p.lend(newSlot(conn)), nil
}

func (p *Pool[C]) lend(s *slot[C]) *Pooled[C] {
	return &Pooled[C]{slot: s, pool: p}
}

func (p *Pool[C]) dial(ctx context.Context) (C, error) {
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := p.connect(ctx)
	if err != nil {
		p.dialFailures.Add(1)
		p.logger.DebugContext(ctx, "failed to dial connection", "pool", p.cfg.Name, "error", err)
	}
	return conn, err
}

// popIdleLocked pops the newest usable idle connection. Expired ones are
// dropped from the pool and returned for closing outside the lock.
func (p *Pool[C]) popIdleLocked(now time.Time) (s *slot[C], stale []*slot[C]) {
	for n := len(p.idle); n > 0; n = len(p.idle) {
		s = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		if s.conn.IsClosed() || p.expiredLocked(s, now) {
			p.active--
			stale = append(stale, s)
			continue
		}
		return s, stale
	}
	return nil, stale
}

func (p *Pool[C]) expiredLocked(s *slot[C], now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && s.age(now) > p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && s.idle(now) > p.cfg.IdleTimeout
}

// parkLocked takes a connection that is not counted as borrowed and either
// hands it to the oldest waiter or parks it idle. A connection the pool
// should not keep is returned for closing outside the lock.
func (p *Pool[C]) parkLocked(s *slot[C]) *slot[C] {
	now := time.Now()
	if p.closed || s.conn.IsClosed() || (p.cfg.MaxLifetime > 0 && s.age(now) > p.cfg.MaxLifetime) {
		p.releaseSlotLocked()
		return s
	}
	s.lastUsedAt = now

	if w := p.waiters.pop(); w != nil {
		p.borrowed++
		w.ch <- s
		return nil
	}
	if len(p.idle) >= p.cfg.MaxIdle {
		p.active--
		return s
	}
	p.idle = append(p.idle, s)
	return nil
}

// releaseSlotLocked gives up one unit of capacity. If a client is waiting
// the slot passes to the oldest one, which then dials into it; nobody else
// can take it in between.
func (p *Pool[C]) releaseSlotLocked() {
	if !p.closed {
		if w := p.waiters.pop(); w != nil {
			p.borrowed++
			w.ch <- nil
			return
		}
	}
	p.active--
}

func (p *Pool[C]) put(s *slot[C]) {
	p.mu.Lock()
	p.borrowed--
	stale := p.parkLocked(s)
	p.mu.Unlock()
	closeSlot(stale)
}

func (p *Pool[C]) discard(s *slot[C]) {
	p.mu.Lock()
	p.borrowed--
	p.releaseSlotLocked()
	p.mu.Unlock()
	closeSlot(s)
}

func closeSlot[C Connection](s *slot[C]) {
	if s != nil && !s.conn.IsClosed() {
		_ = s.conn.Close()
	}
}

func closeSlots[C Connection](stale []*slot[C]) {
	for _, s := range stale {
		closeSlot(s)
	}
}

// sweep closes idle connections past IdleTimeout or MaxLifetime and dials
// back up to MinIdle.
func (p *Pool[C]) sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*slot[C]
	keep := p.idle[:0]
	for _, s := range p.idle {
		if s.conn.IsClosed() || p.expiredLocked(s, now) {
			p.active--
			stale = append(stale, s)
			continue
		}
		keep = append(keep, s)
	}
	clear(p.idle[len(keep):])
	p.idle = keep
	missing := p.cfg.MinIdle - len(p.idle)
	p.mu.Unlock()

	closeSlots(stale)
	if len(stale) > 0 {
		p.logger.DebugContext(ctx, "reaped idle connections", "pool", p.cfg.Name, "count", len(stale))
	}

	if missing > 0 {
		if err := p.Prewarm(ctx, missing); err != nil && !errors.Is(err, ErrPoolClosed) {
			p.logger.WarnContext(ctx, "failed to refill idle connections", "pool", p.cfg.Name, "error", err)
		}
	}
}

// Close closes all idle connections and fails every waiter. Borrowed
// connections are closed as they are returned.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.active -= len(idle)
	p.waiters.closeAll()
	sweeper := p.sweeper
	p.sweeper = nil
	p.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}
	closeSlots(idle)

	p.logger.Debug("connection pool closed", "pool", p.cfg.Name)
	return nil
}

// IsClosed reports whether Close was called.
func (p *Pool[C]) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity:     int64(p.cfg.Capacity),
		Active:       int64(p.active),
		Borrowed:     int64(p.borrowed),
		Idle:         int64(len(p.idle)),
		Waiting:      int64(p.waiters.len()),
		WaitCount:    p.waitCount.Load(),
		WaitTimeouts: p.waitTimeouts.Load(),
		DialFailures: p.dialFailures.Load(),
		PingFailures: p.pingFailures.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity     int64 `json:"capacity"`
	Active       int64 `json:"active"`   // Total connections, including ones being dialed
	Borrowed     int64 `json:"borrowed"` // Connections lent to clients
	Idle         int64 `json:"idle"`     // Connections available in pool
	Waiting      int64 `json:"waiting"`  // Clients on the waitlist
	WaitCount    int64 `json:"wait_count"`
	WaitTimeouts int64 `json:"wait_timeouts"`
	DialFailures int64 `json:"dial_failures"`
	PingFailures int64 `json:"ping_failures"`
}

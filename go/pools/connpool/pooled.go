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
	"sync/atomic"
	"time"
)

// slot is a live connection owned by the pool. It outlives any single
// checkout.
type slot[C Connection] struct {
	conn      C
	createdAt time.Time
	// lastUsedAt is updated while the pool lock is held.
	lastUsedAt time.Time
}

func newSlot[C Connection](conn C) *slot[C] {
	now := time.Now()
	return &slot[C]{conn: conn, createdAt: now, lastUsedAt: now}
}

func (s *slot[C]) age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

func (s *slot[C]) idle(now time.Time) time.Duration {
	return now.Sub(s.lastUsedAt)
}

// Pooled is a borrowed connection. Exactly one of Recycle or Taint returns
// it to the pool; later calls on the same handle are no-ops. A new handle
// is created for every checkout, so a stale handle can never release a
// connection that has since been lent to someone else.
type Pooled[C Connection] struct {
	slot     *slot[C]
	pool     *Pool[C]
	released atomic.Bool
}

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C {
	return p.slot.conn
}

// Recycle returns a healthy connection to the pool.
func (p *Pooled[C]) Recycle() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.pool.put(p.slot)
}

// Taint closes the connection instead of returning it and frees its slot
// for a fresh dial. Use it when the connection failed mid-use.
func (p *Pooled[C]) Taint() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.pool.discard(p.slot)
}

// Released reports whether the handle was already returned.
func (p *Pooled[C]) Released() bool {
	return p.released.Load()
}

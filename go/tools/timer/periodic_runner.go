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

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback every interval until stopped.
//
// The next run is scheduled only after the current one returns, so a slow
// callback delays the schedule instead of piling up. Stop cancels the
// callback's context and waits for an in-flight run to finish. A stopped
// runner may be started again.
//
//	runner := timer.NewPeriodicRunner(ctx, time.Minute)
//	runner.Start(pool.sweep, nil)
//	defer runner.Stop()
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
}

// NewPeriodicRunner creates a PeriodicRunner. Contexts passed to the
// callback derive from ctx.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins running callback. onStart, when non-nil, runs once before
// the first callback. Returns false if the runner was already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context), onStart func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	if onStart != nil {
		onStart()
	}

	ctx, cancel := context.WithCancel(r.parentCtx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.kick = make(chan struct{}, 1)

	go r.loop(ctx, callback, r.done, r.kick)
	return true
}

func (r *PeriodicRunner) loop(ctx context.Context, callback func(context.Context), done chan struct{}, kick chan struct{}) {
	defer close(done)

	t := time.NewTimer(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
		}

		callback(ctx)
		if ctx.Err() != nil {
			return
		}
		t.Reset(r.interval)
	}
}

// Trigger requests an immediate run without waiting for the interval. It
// is a no-op when the runner is stopped or a run is already pending.
func (r *PeriodicRunner) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the callback context and waits for any in-flight run.
// Calling Stop on a stopped runner has no effect.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	done := r.done
	r.cancel, r.done, r.kick = nil, nil, nil
	r.mu.Unlock()

	<-done
}

// Running reports whether the runner is started.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

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

// Package workerpool runs blocking jobs on a fixed set of goroutines.
//
// Request goroutines submit work and wait on a Future; only the workers
// ever block on network or database I/O, so a wedged database holds at
// most the workers, never the goroutines accepting requests.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dbmanager/dbmanager/go/mterrors"
)

// ErrClosed is the cause reported for jobs submitted after Close.
var ErrClosed = errors.New("worker pool is closed")

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Config configures a Pool.
type Config struct {
	// Name is used in log lines.
	Name string
	// Workers is the number of goroutines running jobs.
	Workers int
	// QueueSize bounds the number of jobs waiting for a worker. Submit
	// blocks while the queue is full.
	QueueSize int
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "workers"
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type job struct {
	ctx  context.Context
	name string
	// run executes the job; skip completes it without running.
	run  func(ctx context.Context)
	skip func(err error)
}

// Pool is a fixed-size worker pool.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	// mu guards closed and the send side of jobs.
	mu     sync.RWMutex
	opened bool
	closed bool
	jobs   chan *job
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Int64
	skipped   atomic.Int64
	panics    atomic.Int64
	rejected  atomic.Int64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

// New creates a pool. Call Open to start the workers.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("pool", cfg.Name),
		jobs:   make(chan *job, cfg.QueueSize),
	}
}

// Open starts the workers. It is a no-op if the pool is already open or
// closed.
func (p *Pool) Open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened || p.closed {
		return
	}
	p.opened = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Close stops accepting jobs and waits until every queued and running job
// has completed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.jobs)
	opened := p.opened
	p.mu.Unlock()

	if !opened {
		// nobody will ever run what was queued
		for j := range p.jobs {
			p.skipped.Add(1)
			j.skip(mterrors.Unavailable(ErrClosed))
		}
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		QueueSize: p.cfg.QueueSize,
		Queued:    len(p.jobs),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Skipped:   p.skipped.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}

func (p *Pool) work(worker int) {
	defer p.wg.Done()
	for j := range p.jobs {
		// the caller stopped waiting before we got here
		if err := j.ctx.Err(); err != nil {
			p.skipped.Add(1)
			p.logger.Debug("skipping abandoned job", "job", j.name, "worker", worker, "error", err)
			j.skip(err)
			continue
		}
		p.running.Add(1)
		j.run(context.WithoutCancel(j.ctx))
		p.running.Add(-1)
		p.completed.Add(1)
	}
}

// enqueue hands j to the workers, blocking while the queue is full.
func (p *Pool) enqueue(ctx context.Context, j *job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return mterrors.Unavailable(ErrClosed)
	}
	select {
	case p.jobs <- j:
		return nil
	default:
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return context.Cause(ctx)
	}
}

// Future is the pending result of a submitted job.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job completes or ctx ends. Giving up on the wait
// does not stop a job that is already running; its result is dropped.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// Submit queues fn on p. The job runs with a context that keeps ctx's
// values but not its cancellation. If ctx ends before a worker picks the
// job up, the job is skipped.
//
// A panic in fn is recovered and reported as an internal error.
func Submit[T any](ctx context.Context, p *Pool, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T
	j := &job{
		ctx:  ctx,
		name: name,
		skip: func(err error) { f.complete(zero, err) },
	}
	j.run = func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.ErrorContext(ctx, "recovered panic in job", "job", name, "panic", r, "stack", string(debug.Stack()))
				f.complete(zero, mterrors.Internalf("panic in %s: %v", name, r))
			}
		}()
		v, err := fn(ctx)
		f.complete(v, err)
	}
	if err := p.enqueue(ctx, j); err != nil {
		f.complete(zero, err)
	}
	return f
}

// Do submits fn and waits for its result.
func Do[T any](ctx context.Context, p *Pool, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return Submit(ctx, p, name, fn).Wait(ctx)
}

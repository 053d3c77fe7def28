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

// Package broker implements the session-scoped connection broker.
//
// Connect builds a connection pool for one PostgreSQL target, proves it
// works and publishes it under a fresh session id. Later requests name the
// session and borrow a connection from its pool. All blocking work runs on
// the broker's worker pool; the calling goroutine only waits on the result.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbmanager/dbmanager/go/catalog"
	"github.com/dbmanager/dbmanager/go/dbconn"
	"github.com/dbmanager/dbmanager/go/mterrors"
	"github.com/dbmanager/dbmanager/go/pools/connpool"
	"github.com/dbmanager/dbmanager/go/registry"
	"github.com/dbmanager/dbmanager/go/session"
	"github.com/dbmanager/dbmanager/go/workerpool"
)

// Conn is a connection borrowed from a session pool.
type Conn = connpool.Pooled[*dbconn.Conn]

// closeConcurrency bounds how many session pools Close shuts in parallel.
const closeConcurrency = 8

// SessionPool is a registry entry: one session and the pool it owns.
type SessionPool struct {
	ID        session.ID
	Target    dbconn.Target
	CreatedAt time.Time

	pool   *connpool.Pool[*dbconn.Conn]
	source *dbconn.Source
}

// Pool returns the session's connection pool.
func (sp *SessionPool) Pool() *connpool.Pool[*dbconn.Conn] {
	return sp.pool
}

func (sp *SessionPool) close() {
	_ = sp.pool.Close()
	_ = sp.source.Close()
}

// Option configures a Broker.
type Option func(*Broker)

// WithOpener sets how sources are opened for new sessions. It defaults to
// a dbconn.DriverOpener for the configured driver.
func WithOpener(o dbconn.Opener) Option {
	return func(b *Broker) { b.opener = o }
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// Broker mediates session creation and connection acquisition.
type Broker struct {
	cfg      *Config
	logger   *slog.Logger
	opener   dbconn.Opener
	sessions *registry.Registry[*SessionPool]
	workers  *workerpool.Pool

	closed atomic.Bool
}

// New creates a broker. Call Open before use.
func New(cfg *Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: registry.New[*SessionPool](),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.opener == nil {
		b.opener = dbconn.DriverOpener{Driver: cfg.DBDriver()}
	}
	b.workers = workerpool.New(cfg.workerConfig(b.logger))
	return b
}

// Open starts the worker pool.
func (b *Broker) Open(ctx context.Context) error {
	if b.closed.Load() {
		return mterrors.Unavailable(nil)
	}
	b.workers.Open()
	b.logger.InfoContext(ctx, "broker opened",
		"workers", b.cfg.Workers(),
		"pool_capacity", b.cfg.PoolCapacity(),
		"db_driver", b.cfg.DBDriver())
	return nil
}

// Close stops accepting work, waits for running operations and closes
// every session pool.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.workers.Close()

	drained := b.sessions.Drain()
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, sp := range drained {
		g.Go(func() error {
			sp.close()
			return nil
		})
	}
	err := g.Wait()
	b.logger.Info("broker closed", "sessions_closed", len(drained))
	return err
}

// Connect creates a session for creds. Any failure to produce a working
// pool is reported as mterrors.ErrRefused and leaves no session behind.
func (b *Broker) Connect(ctx context.Context, creds Credentials) (session.ID, error) {
	if err := creds.Validate(); err != nil {
		return session.Nil, mterrors.Refused(err)
	}
	return workerpool.Do(ctx, b.workers, "connect", func(jobCtx context.Context) (session.ID, error) {
		return b.connect(jobCtx, ctx, creds)
	})
}

// connect runs on a worker. callerCtx is only consulted to drop a session
// nobody is waiting for any more.
func (b *Broker) connect(ctx, callerCtx context.Context, creds Credentials) (session.ID, error) {
	// checked again when publishing; this only avoids dialing for nothing
	if limit := b.cfg.MaxSessions(); limit > 0 && b.sessions.Len() >= limit {
		return session.Nil, mterrors.Refused(fmt.Errorf("%w: %d", registry.ErrFull, limit))
	}

	target := creds.target(b.cfg)
	logger := b.logger.With("target", target.String())

	source, err := b.opener.Open(target)
	if err != nil {
		logger.WarnContext(ctx, "connect refused", "error", err)
		return session.Nil, mterrors.Refused(err)
	}
	pool := connpool.NewPool[*dbconn.Conn](b.cfg.poolConfig(target.String(), b.logger))
	if err := pool.Open(ctx, source.Connect); err != nil {
		_ = source.Close()
		logger.WarnContext(ctx, "connect refused", "error", err)
		return session.Nil, mterrors.Refused(err)
	}
	sp := &SessionPool{
		Target:    target,
		CreatedAt: time.Now(),
		pool:      pool,
		source:    source,
	}

	if err := callerCtx.Err(); err != nil {
		sp.close()
		return session.Nil, context.Cause(callerCtx)
	}

	id, err := b.publish(sp)
	if err != nil {
		sp.close()
		if errors.Is(err, registry.ErrPoisoned) {
			logger.ErrorContext(ctx, "session registry unavailable", "error", err)
			return session.Nil, mterrors.RegistryUnavailable(err)
		}
		logger.WarnContext(ctx, "connect refused", "error", err)
		return session.Nil, mterrors.Refused(err)
	}
	logger.InfoContext(ctx, "session created", "session_id", id.String())
	return id, nil
}

// publish inserts the fully built sp under a fresh id. The id is set before
// the entry becomes visible, and the session limit is enforced under the
// same lock.
func (b *Broker) publish(sp *SessionPool) (session.ID, error) {
	return b.sessions.InsertNew(b.cfg.MaxSessions(), func(id session.ID) *SessionPool {
		sp.ID = id
		return sp
	})
}

// ResolveSession returns the live pool of id.
func (b *Broker) ResolveSession(ctx context.Context, id session.ID) (*SessionPool, error) {
	sp, err := b.sessions.Lookup(id)
	switch {
	case err == nil:
		return sp, nil
	case errors.Is(err, registry.ErrPoisoned):
		return nil, mterrors.RegistryUnavailable(err)
	default:
		return nil, mterrors.NoSession(id.String())
	}
}

// ResolveToken parses the textual form of a session id and resolves it.
// Malformed tokens are reported as mterrors.ErrNoSession.
func (b *Broker) ResolveToken(ctx context.Context, token string) (*SessionPool, error) {
	id, err := session.Parse(token)
	if err != nil {
		if poisoned := b.sessions.Poisoned(); poisoned != nil {
			return nil, mterrors.RegistryUnavailable(poisoned)
		}
		return nil, mterrors.NoSession(token)
	}
	return b.ResolveSession(ctx, id)
}

// AcquireConnection borrows a connection of session id. The caller must
// Recycle or Taint it. The wait for a free connection happens on a worker
// and ends when ctx does.
func (b *Broker) AcquireConnection(ctx context.Context, id session.ID) (*Conn, error) {
	sp, err := b.ResolveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	f := workerpool.Submit(ctx, b.workers, "acquire_connection", func(context.Context) (*Conn, error) {
		return acquire(ctx, sp)
	})
	conn, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// The worker may still come back with a connection nobody will
		// use. acquire stops waiting with ctx, so this ends promptly.
		go func() {
			if conn, _ := f.Wait(context.Background()); conn != nil {
				conn.Recycle()
			}
		}()
	}
	return conn, err
}

// acquire borrows a connection from sp. ctx bounds only the wait.
func acquire(ctx context.Context, sp *SessionPool) (*Conn, error) {
	conn, err := sp.pool.Get(ctx)
	if err == nil {
		return conn, nil
	}
	switch {
	case errors.Is(err, connpool.ErrTimeout):
		return nil, mterrors.Timeout(err)
	case errors.Is(err, connpool.ErrPoolExhausted):
		return nil, mterrors.PoolExhausted(err)
	case errors.Is(err, connpool.ErrPoolClosed), errors.Is(err, connpool.ErrPoolNotOpen):
		// disconnected while we were looking
		return nil, mterrors.NoSession(sp.ID.String())
	case ctx.Err() != nil:
		// the caller gave up
		return nil, err
	default:
		return nil, mterrors.ConnLost(err)
	}
}

// withConn resolves token, borrows a connection and runs fn with it. The
// connection is always released: recycled on success or on a query error,
// tainted when the connection itself failed.
//
// withConn runs on a worker. The wait for a connection ends with callerCtx,
// fn runs with ctx.
func (b *Broker) withConn(ctx, callerCtx context.Context, token string, fn func(ctx context.Context, conn *dbconn.Conn) error) error {
	sp, err := b.ResolveToken(ctx, token)
	if err != nil {
		return err
	}
	pooled, err := acquire(callerCtx, sp)
	if err != nil {
		return err
	}

	err = fn(ctx, pooled.Conn())
	switch {
	case err == nil:
		pooled.Recycle()
		return nil
	case dbconn.IsConnectionError(err):
		pooled.Taint()
		b.logger.WarnContext(ctx, "connection lost", "session_id", sp.ID.String(), "error", err)
		return mterrors.ConnLost(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// the server may still be running the statement
		pooled.Taint()
		return mterrors.Timeout(err)
	default:
		pooled.Recycle()
		b.logger.DebugContext(ctx, "query failed", "session_id", sp.ID.String(), "error", err)
		return mterrors.QueryFailed(err)
	}
}

// ListDatabases lists the databases visible through session token.
func (b *Broker) ListDatabases(ctx context.Context, token string) ([]catalog.Database, error) {
	return workerpool.Do(ctx, b.workers, "list_databases", func(jobCtx context.Context) ([]catalog.Database, error) {
		var dbs []catalog.Database
		err := b.withConn(jobCtx, ctx, token, func(ctx context.Context, conn *dbconn.Conn) error {
			var err error
			dbs, err = catalog.ListDatabases(ctx, conn)
			return err
		})
		return dbs, err
	})
}

// ListTables lists the user tables of the session's database.
func (b *Broker) ListTables(ctx context.Context, token string) ([]catalog.Table, error) {
	return workerpool.Do(ctx, b.workers, "list_tables", func(jobCtx context.Context) ([]catalog.Table, error) {
		var tables []catalog.Table
		err := b.withConn(jobCtx, ctx, token, func(ctx context.Context, conn *dbconn.Conn) error {
			var err error
			tables, err = catalog.ListTables(ctx, conn)
			return err
		})
		return tables, err
	})
}

// CheckSession verifies that session token can still reach its database
// by pinging one of its connections.
func (b *Broker) CheckSession(ctx context.Context, token string) (session.ID, error) {
	return workerpool.Do(ctx, b.workers, "check_session", func(jobCtx context.Context) (session.ID, error) {
		var id session.ID
		err := b.withConn(jobCtx, ctx, token, func(ctx context.Context, conn *dbconn.Conn) error {
			return conn.Ping(ctx)
		})
		if err != nil {
			return session.Nil, err
		}
		// withConn succeeded, so the token parsed
		id, _ = session.Parse(token)
		return id, nil
	})
}

// Disconnect removes session token and closes its pool. Connections still
// borrowed are closed as they are returned.
func (b *Broker) Disconnect(ctx context.Context, token string) error {
	id, err := session.Parse(token)
	if err != nil {
		if poisoned := b.sessions.Poisoned(); poisoned != nil {
			return mterrors.RegistryUnavailable(poisoned)
		}
		return mterrors.NoSession(token)
	}
	sp, err := b.sessions.Remove(id)
	switch {
	case errors.Is(err, registry.ErrPoisoned):
		return mterrors.RegistryUnavailable(err)
	case err != nil:
		return mterrors.NoSession(token)
	}
	_, err = workerpool.Do(ctx, b.workers, "disconnect", func(context.Context) (struct{}, error) {
		sp.close()
		return struct{}{}, nil
	})
	if err != nil {
		// the entry is already gone; never leave its pool open
		sp.close()
	}
	b.logger.InfoContext(ctx, "session closed", "session_id", token)
	return nil
}

// SessionStats describes one session without its credentials.
type SessionStats struct {
	ID        string             `json:"id"`
	Target    string             `json:"target"`
	CreatedAt time.Time          `json:"created_at"`
	Pool      connpool.PoolStats `json:"pool"`
}

// Stats is a snapshot of broker state.
type Stats struct {
	Sessions      int              `json:"sessions"`
	SessionPools  []SessionStats   `json:"session_pools"`
	Workers       workerpool.Stats `json:"workers"`
	RegistryError string           `json:"registry_error,omitempty"`
}

// Stats returns a snapshot of broker state.
func (b *Broker) Stats() Stats {
	st := Stats{
		SessionPools: []SessionStats{},
		Workers:      b.workers.Stats(),
	}
	err := b.sessions.Range(func(id session.ID, sp *SessionPool) bool {
		st.SessionPools = append(st.SessionPools, SessionStats{
			ID:        id.String(),
			Target:    sp.Target.String(),
			CreatedAt: sp.CreatedAt,
			Pool:      sp.pool.Stats(),
		})
		return true
	})
	if err != nil {
		st.RegistryError = err.Error()
	}
	st.Sessions = len(st.SessionPools)
	return st
}

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

// Package dbconn wraps physical PostgreSQL connections for the connection
// pool and classifies driver errors.
package dbconn

import (
	"context"
	"database/sql"
	"sync/atomic"
)

// Queryer runs read queries. It is satisfied by *Conn, *sql.Conn, *sql.DB
// and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn wraps a *sql.Conn and implements the connpool.Connection interface.
// A Conn pins one physical connection for its whole lifetime.
type Conn struct {
	// conn is the underlying database connection.
	conn *sql.Conn

	// closed tracks whether this connection has been closed.
	closed atomic.Bool
}

// NewConn creates a new Conn wrapping the given sql.Conn.
func NewConn(conn *sql.Conn) *Conn {
	return &Conn{conn: conn}
}

// IsClosed returns true if this connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the underlying database connection and marks it as closed.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return c.conn.Close()
}

// Ping verifies the connection is still alive.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return sql.ErrConnDone
	}
	return c.conn.PingContext(ctx)
}

// QueryContext executes a query that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, sql.ErrConnDone
	}
	return c.conn.QueryContext(ctx, query, args...)
}

// ExecContext executes a query that doesn't return rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.closed.Load() {
		return nil, sql.ErrConnDone
	}
	return c.conn.ExecContext(ctx, query, args...)
}

var _ Queryer = (*Conn)(nil)

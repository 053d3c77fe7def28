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

package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Supported driver names.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Drivers lists the accepted values of the db-driver setting.
var Drivers = []string{DriverPQ, DriverPGX}

// Source hands out dedicated physical connections to one target.
//
// It keeps a *sql.DB only as a dialer: idle connections are never retained
// by database/sql, so every Conn returned by Connect owns its own server
// backend until it is closed. Pooling happens in connpool.
type Source struct {
	target Target
	db     *sql.DB
}

// NewSource creates a Source from a driver.Connector.
func NewSource(target Target, connector driver.Connector) *Source {
	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)
	return &Source{target: target, db: db}
}

// Target returns the target this Source dials.
func (s *Source) Target() Target {
	return s.target
}

// Connect dials a new physical connection. Its signature matches
// connpool.Connector.
func (s *Source) Connect(ctx context.Context) (*Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	// database/sql connects lazily on some drivers; make sure the server
	// accepted us before the connection is counted as usable.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewConn(conn), nil
}

// Close releases the dialer. Connections already handed out stay open
// until they are closed themselves.
func (s *Source) Close() error {
	return s.db.Close()
}

// Opener creates a Source for a target.
type Opener interface {
	Open(target Target) (*Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(target Target) (*Source, error)

// Open implements Opener.
func (f OpenerFunc) Open(target Target) (*Source, error) {
	return f(target)
}

// DriverOpener opens Sources with a registered PostgreSQL driver.
type DriverOpener struct {
	// Driver is DriverPQ or DriverPGX.
	Driver string
}

// Open implements Opener.
func (o DriverOpener) Open(target Target) (*Source, error) {
	connector, err := newConnector(o.Driver, target.DSN())
	if err != nil {
		return nil, err
	}
	return NewSource(target, connector), nil
}

func newConnector(driverName, dsn string) (driver.Connector, error) {
	switch driverName {
	case DriverPQ, "":
		connector, err := pq.NewConnector(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid connection parameters: %w", err)
		}
		return connector, nil
	case DriverPGX:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid connection parameters: %w", err)
		}
		return stdlib.GetConnector(*cfg), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: %v)", driverName, Drivers)
	}
}

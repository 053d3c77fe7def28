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

// Package connpool provides a bounded connection pool with a FIFO
// waitlist, checkout validation and idle reaping.
package connpool

import "context"

// Connection represents a pooled database connection.
// Implementations must be safe for use by a single client at a time.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error

	// Ping checks that the connection is still usable. It is called on
	// checkout when Config.TestOnAcquire is set.
	Ping(ctx context.Context) error
}

// Connector dials a new connection.
type Connector[C Connection] func(ctx context.Context) (C, error)

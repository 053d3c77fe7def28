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

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/dbmanager/dbmanager/go/dbconn"
	"github.com/dbmanager/dbmanager/go/pools/connpool"
	"github.com/dbmanager/dbmanager/go/viperutil"
	"github.com/dbmanager/dbmanager/go/workerpool"
)

// Config holds viper-backed configuration values for the broker.
// Create with NewConfig(), register flags with RegisterFlags(), then create
// the broker with New() when ready.
type Config struct {
	// --- Worker pool ---
	workers     viperutil.Value[int64]
	queueSize   viperutil.Value[int64]
	maxSessions viperutil.Value[int64]

	// --- Session pools ---
	poolCapacity       viperutil.Value[int64]
	poolMinIdle        viperutil.Value[int64]
	poolAcquireTimeout viperutil.Value[time.Duration]
	poolConnectTimeout viperutil.Value[time.Duration]
	poolIdleTimeout    viperutil.Value[time.Duration]
	poolMaxLifetime    viperutil.Value[time.Duration]
	poolTestOnAcquire  viperutil.Value[bool]

	// --- Database driver ---
	dbDriver  viperutil.Value[string]
	dbSSLMode viperutil.Value[string]
}

// NewConfig creates a new Config with all broker settings registered to
// the provided registry.
func NewConfig(reg *viperutil.Registry) *Config {
	var (
		workers     int64 = 4
		queueSize   int64 = 64
		maxSessions int64 = 0

		poolCapacity       int64 = 10
		poolMinIdle        int64 = 1
		poolAcquireTimeout       = 30 * time.Second
		poolConnectTimeout       = 10 * time.Second
		poolIdleTimeout          = 10 * time.Minute
		poolMaxLifetime          = 30 * time.Minute
	)

	return &Config{
		workers: viperutil.Configure(reg, "broker.workers", viperutil.Options[int64]{
			Default:  workers,
			FlagName: "broker-workers",
			EnvVars:  []string{"DBMANAGER_BROKER_WORKERS"},
		}),
		queueSize: viperutil.Configure(reg, "broker.queue-size", viperutil.Options[int64]{
			Default:  queueSize,
			FlagName: "broker-queue-size",
		}),
		maxSessions: viperutil.Configure(reg, "broker.max-sessions", viperutil.Options[int64]{
			Default:  maxSessions,
			FlagName: "broker-max-sessions",
		}),

		poolCapacity: viperutil.Configure(reg, "pool.capacity", viperutil.Options[int64]{
			Default:  poolCapacity,
			FlagName: "pool-capacity",
			EnvVars:  []string{"DBMANAGER_POOL_CAPACITY"},
		}),
		poolMinIdle: viperutil.Configure(reg, "pool.min-idle", viperutil.Options[int64]{
			Default:  poolMinIdle,
			FlagName: "pool-min-idle",
		}),
		poolAcquireTimeout: viperutil.Configure(reg, "pool.acquire-timeout", viperutil.Options[time.Duration]{
			Default:  poolAcquireTimeout,
			FlagName: "pool-acquire-timeout",
		}),
		poolConnectTimeout: viperutil.Configure(reg, "pool.connect-timeout", viperutil.Options[time.Duration]{
			Default:  poolConnectTimeout,
			FlagName: "pool-connect-timeout",
		}),
		poolIdleTimeout: viperutil.Configure(reg, "pool.idle-timeout", viperutil.Options[time.Duration]{
			Default:  poolIdleTimeout,
			FlagName: "pool-idle-timeout",
		}),
		poolMaxLifetime: viperutil.Configure(reg, "pool.max-lifetime", viperutil.Options[time.Duration]{
			Default:  poolMaxLifetime,
			FlagName: "pool-max-lifetime",
		}),
		poolTestOnAcquire: viperutil.Configure(reg, "pool.test-on-acquire", viperutil.Options[bool]{
			Default:  true,
			FlagName: "pool-test-on-acquire",
		}),

		dbDriver: viperutil.Configure(reg, "db.driver", viperutil.Options[string]{
			Default:  dbconn.DriverPQ,
			FlagName: "db-driver",
			EnvVars:  []string{"DBMANAGER_DB_DRIVER"},
		}),
		dbSSLMode: viperutil.Configure(reg, "db.sslmode", viperutil.Options[string]{
			Default:  "disable",
			FlagName: "db-sslmode",
		}),
	}
}

// RegisterFlags registers all broker flags with the given FlagSet.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int64("broker-workers", c.workers.Default(), "Number of worker goroutines running connect and catalog operations")
	fs.Int64("broker-queue-size", c.queueSize.Default(), "Maximum number of operations waiting for a worker")
	fs.Int64("broker-max-sessions", c.maxSessions.Default(), "Maximum number of live sessions (0 means unlimited)")

	fs.Int64("pool-capacity", c.poolCapacity.Default(), "Maximum number of connections per session")
	fs.Int64("pool-min-idle", c.poolMinIdle.Default(), "Connections dialed when a session is created and kept idle afterwards")
	fs.Duration("pool-acquire-timeout", c.poolAcquireTimeout.Default(), "How long a request waits for a free connection of its session (negative fails immediately, zero is rejected)")
	fs.Duration("pool-connect-timeout", c.poolConnectTimeout.Default(), "Timeout for dialing and authenticating one connection")
	fs.Duration("pool-idle-timeout", c.poolIdleTimeout.Default(), "How long a connection can remain idle before being closed (0 disables)")
	fs.Duration("pool-max-lifetime", c.poolMaxLifetime.Default(), "Maximum lifetime of a connection before it is closed (0 disables)")
	fs.Bool("pool-test-on-acquire", c.poolTestOnAcquire.Default(), "Ping idle connections before handing them out")

	fs.String("db-driver", c.dbDriver.Default(), fmt.Sprintf("PostgreSQL driver (%s)", strings.Join(dbconn.Drivers, ", ")))
	fs.String("db-sslmode", c.dbSSLMode.Default(), "sslmode used for every database connection")

	viperutil.BindFlags(fs,
		c.workers,
		c.queueSize,
		c.maxSessions,
		c.poolCapacity,
		c.poolMinIdle,
		c.poolAcquireTimeout,
		c.poolConnectTimeout,
		c.poolIdleTimeout,
		c.poolMaxLifetime,
		c.poolTestOnAcquire,
		c.dbDriver,
		c.dbSSLMode,
	)
}

// Workers returns the number of worker goroutines.
func (c *Config) Workers() int { return int(c.workers.Get()) }

// QueueSize returns the worker queue bound.
func (c *Config) QueueSize() int { return int(c.queueSize.Get()) }

// MaxSessions returns the session limit, 0 for unlimited.
func (c *Config) MaxSessions() int { return int(c.maxSessions.Get()) }

// PoolCapacity returns the per-session connection limit.
func (c *Config) PoolCapacity() int { return int(c.poolCapacity.Get()) }

// PoolMinIdle returns the number of connections dialed on connect.
func (c *Config) PoolMinIdle() int { return int(c.poolMinIdle.Get()) }

// PoolAcquireTimeout returns the bounded wait for a connection.
func (c *Config) PoolAcquireTimeout() time.Duration { return c.poolAcquireTimeout.Get() }

// PoolConnectTimeout returns the dial timeout.
func (c *Config) PoolConnectTimeout() time.Duration { return c.poolConnectTimeout.Get() }

// PoolIdleTimeout returns the idle connection timeout.
func (c *Config) PoolIdleTimeout() time.Duration { return c.poolIdleTimeout.Get() }

// PoolMaxLifetime returns the connection lifetime limit.
func (c *Config) PoolMaxLifetime() time.Duration { return c.poolMaxLifetime.Get() }

// PoolTestOnAcquire reports whether idle connections are pinged on checkout.
func (c *Config) PoolTestOnAcquire() bool { return c.poolTestOnAcquire.Get() }

// DBDriver returns the configured driver name.
func (c *Config) DBDriver() string { return c.dbDriver.Get() }

// DBSSLMode returns the sslmode for new connections.
func (c *Config) DBSSLMode() string { return c.dbSSLMode.Get() }

// Validate reports settings the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(dbconn.Drivers, c.DBDriver()) {
		errs = append(errs, fmt.Errorf("unsupported --db-driver %q (supported: %s)", c.DBDriver(), strings.Join(dbconn.Drivers, ", ")))
	}
	if c.PoolCapacity() < 1 {
		errs = append(errs, fmt.Errorf("--pool-capacity must be at least 1, got %d", c.PoolCapacity()))
	}
	if c.PoolMinIdle() > c.PoolCapacity() {
		errs = append(errs, fmt.Errorf("--pool-min-idle %d exceeds --pool-capacity %d", c.PoolMinIdle(), c.PoolCapacity()))
	}
	if c.PoolAcquireTimeout() == 0 {
		errs = append(errs, errors.New("--pool-acquire-timeout must be non-zero"))
	}
	if c.Workers() < 1 {
		errs = append(errs, fmt.Errorf("--broker-workers must be at least 1, got %d", c.Workers()))
	}
	return errors.Join(errs...)
}

// workerConfig builds the worker pool configuration.
func (c *Config) workerConfig(logger *slog.Logger) workerpool.Config {
	return workerpool.Config{
		Name:      "broker",
		Workers:   c.Workers(),
		QueueSize: c.QueueSize(),
		Logger:    logger,
	}
}

// poolConfig builds the configuration of one session pool. At least one
// connection is always dialed so that a successful connect proves the
// credentials work.
func (c *Config) poolConfig(name string, logger *slog.Logger) connpool.Config {
	minIdle := max(c.PoolMinIdle(), 1)
	return connpool.Config{
		Name:           name,
		Capacity:       c.PoolCapacity(),
		MinIdle:        minIdle,
		IdleTimeout:    c.PoolIdleTimeout(),
		MaxLifetime:    c.PoolMaxLifetime(),
		AcquireTimeout: c.PoolAcquireTimeout(),
		ConnectTimeout: c.PoolConnectTimeout(),
		TestOnAcquire:  c.PoolTestOnAcquire(),
		Logger:         logger,
	}
}

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

// Package fakepgdb provides a fake PostgreSQL database for tests.
// It is inspired by Vitess's fakesqldb but speaks database/sql/driver, and
// can additionally refuse logins, stall dials and sever live connections.
package fakepgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
)

// DB is a fake PostgreSQL database. All methods are thread-safe.
// It implements driver.Connector to be used with sql.OpenDB.
type DB struct {
	// t is our testing.TB instance
	t testing.TB

	// name is the name of this DB
	name string

	// mu protects all the following fields
	mu sync.Mutex

	// data maps tolower(query) to a result
	data map[string]*ExpectedResult

	// rejectedData maps tolower(query) to an error
	rejectedData map[string]error

	// patternData is a list of regexp queries to results, checked in order
	patternData []exprResult

	// queryCalled keeps track of how many times a query was called
	queryCalled map[string]int

	// querylog keeps track of all called queries
	querylog []string

	// passwords maps user to password. Empty means any login is accepted.
	passwords map[string]string

	// databases lists the databases a login may name. Empty means any.
	databases map[string]bool

	// connectErr fails every dial when set
	connectErr error

	// connectDelay stalls every dial
	connectDelay time.Duration

	// conns tracks open connections
	conns map[*fakeConn]struct{}

	// neverFail makes unmatched queries return empty results instead of errors
	neverFail atomic.Bool

	dials atomic.Int64
}

// ExpectedResult holds the data for a matched query.
type ExpectedResult struct {
	Columns []string
	Rows    [][]any
	// BeforeFunc() is synchronously called before the server returns the result.
	BeforeFunc func()
}

type exprResult struct {
	queryPattern string
	expr         *regexp.Regexp
	result       *ExpectedResult
	err          error
}

// New creates a new fake PostgreSQL database for testing.
func New(t testing.TB) *DB {
	return &DB{
		t:            t,
		name:         "fakepgdb",
		data:         make(map[string]*ExpectedResult),
		rejectedData: make(map[string]error),
		queryCalled:  make(map[string]int),
		passwords:    make(map[string]string),
		databases:    make(map[string]bool),
		conns:        make(map[*fakeConn]struct{}),
	}
}

// Name returns the name of the DB.
func (db *DB) Name() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.name
}

// SetName sets the name of the DB.
func (db *DB) SetName(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.name = name
	return db
}

// Connect returns a connection that skips authentication.
func (db *DB) Connect(ctx context.Context) (driver.Conn, error) {
	return db.dial(ctx, "", "", "", false)
}

// Driver returns a driver.Driver implementation.
func (db *DB) Driver() driver.Driver {
	return &fakeDriver{db: db}
}

// OpenDB returns a *sql.DB connected to this fake database.
func (db *DB) OpenDB() *sql.DB {
	return sql.OpenDB(db)
}

// Login returns a connector that authenticates as user against database.
func (db *DB) Login(user, password, database string) driver.Connector {
	return &loginConnector{db: db, user: user, password: password, database: database}
}

type loginConnector struct {
	db                       *DB
	user, password, database string
}

func (c *loginConnector) Connect(ctx context.Context) (driver.Conn, error) {
	return c.db.dial(ctx, c.user, c.password, c.database, true)
}

func (c *loginConnector) Driver() driver.Driver {
	return c.db.Driver()
}

func (db *DB) dial(ctx context.Context, user, password, database string, authenticate bool) (driver.Conn, error) {
	db.mu.Lock()
	delay := db.connectDelay
	db.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.connectErr != nil {
		return nil, db.connectErr
	}
	if authenticate {
		if want, ok := db.passwords[user]; len(db.passwords) > 0 && (!ok || want != password) {
			return nil, &pq.Error{
				Severity: "FATAL",
				Code:     "28P01",
				Message:  fmt.Sprintf("password authentication failed for user %q", user),
			}
		}
		if len(db.databases) > 0 && !db.databases[database] {
			return nil, &pq.Error{
				Severity: "FATAL",
				Code:     "3D000",
				Message:  fmt.Sprintf("database %q does not exist", database),
			}
		}
	}

	db.dials.Add(1)
	c := &fakeConn{db: db}
	db.conns[c] = struct{}{}
	return c, nil
}

func (db *DB) forget(c *fakeConn) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.conns, c)
}

//
// Methods to control logins and live connections.
//

// AddUser registers a login. Once any user is registered, unknown users
// and wrong passwords are refused with SQLSTATE 28P01.
func (db *DB) AddUser(user, password string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.passwords[user] = password
}

// AddDatabase registers a database name. Once any is registered, logins
// naming another database are refused with SQLSTATE 3D000.
func (db *DB) AddDatabase(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.databases[name] = true
}

// SetConnectError makes every dial fail with err. Pass nil to clear.
func (db *DB) SetConnectError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectErr = err
}

// SetConnectDelay stalls every dial by d, or until the dial's context ends.
func (db *DB) SetConnectDelay(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectDelay = d
}

// KillConnections severs every open connection, as a server restart
// would. Later statements on them fail with driver.ErrBadConn.
func (db *DB) KillConnections() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for c := range db.conns {
		c.broken.Store(true)
	}
}

// OpenConnections returns the number of connections not yet closed.
func (db *DB) OpenConnections() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.conns)
}

// Dials returns the number of successful dials so far.
func (db *DB) Dials() int {
	return int(db.dials.Load())
}

//
// Methods to add expected queries and results.
//

// AddQuery adds a query and its expected result.
func (db *DB) AddQuery(query string, expectedResult *ExpectedResult) *ExpectedResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	r := &ExpectedResult{
		Columns:    expectedResult.Columns,
		Rows:       expectedResult.Rows,
		BeforeFunc: expectedResult.BeforeFunc,
	}
	db.data[key] = r
	db.queryCalled[key] = 0
	return r
}

// SetBeforeFunc sets the BeforeFunc field for the previously registered "query".
func (db *DB) SetBeforeFunc(query string, f func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	r, ok := db.data[key]
	if !ok {
		db.t.Fatalf("BUG: no query registered for: %v", query)
	}
	r.BeforeFunc = f
}

// AddQueryPattern adds an expected result for a set of queries.
// These patterns are checked if no exact matches from AddQuery() are found.
// This function forces the addition of begin/end anchors (^$) and turns on
// case-insensitive matching mode.
func (db *DB) AddQueryPattern(queryPattern string, expectedResult *ExpectedResult) {
	db.addPattern(exprResult{queryPattern: queryPattern, result: expectedResult})
}

// RejectQueryPattern makes queries matching queryPattern fail with err.
func (db *DB) RejectQueryPattern(queryPattern string, err error) {
	db.addPattern(exprResult{queryPattern: queryPattern, err: err})
}

func (db *DB) addPattern(r exprResult) {
	r.expr = regexp.MustCompile("(?is)^" + r.queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, existing := range db.patternData {
		if existing.queryPattern == r.queryPattern {
			db.patternData[i] = r
			return
		}
	}
	db.patternData = append(db.patternData, r)
}

// ClearQueryPattern removes all query patterns set up
func (db *DB) ClearQueryPattern() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patternData = nil
}

// AddRejectedQuery adds a query which will be rejected at execution time.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejectedData[strings.ToLower(query)] = err
}

// DeleteRejectedQuery deletes query from the fake DB.
func (db *DB) DeleteRejectedQuery(query string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rejectedData, strings.ToLower(query))
}

// GetQueryCalledNum returns how many times db executes a certain query.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// QueryLog returns the query log as a semicolon separated string
func (db *DB) QueryLog() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return strings.Join(db.querylog, ";")
}

// ResetQueryLog resets the query log
func (db *DB) ResetQueryLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = nil
}

// SetNeverFail makes unmatched queries return empty results instead of errors.
func (db *DB) SetNeverFail(neverFail bool) {
	db.neverFail.Store(neverFail)
}

// handleQuery handles a query and returns the result.
func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	key := strings.ToLower(query)
	db.mu.Lock()
	db.queryCalled[key]++
	db.querylog = append(db.querylog, key)

	// Check if we should reject it
	if err, ok := db.rejectedData[key]; ok {
		db.mu.Unlock()
		return nil, err
	}

	// Check explicit queries from AddQuery()
	if result, ok := db.data[key]; ok {
		db.mu.Unlock()
		if f := result.BeforeFunc; f != nil {
			f()
		}
		return result, nil
	}

	// Check query patterns from AddQueryPattern()
	for _, pat := range db.patternData {
		if pat.expr.MatchString(query) {
			db.mu.Unlock()
			if pat.err != nil {
				return nil, pat.err
			}
			if f := pat.result.BeforeFunc; f != nil {
				f()
			}
			return pat.result, nil
		}
	}
	db.mu.Unlock()

	if db.neverFail.Load() {
		return &ExpectedResult{}, nil
	}

	// Nothing matched
	return nil, fmt.Errorf("fakepgdb: query %q is not supported on %v", query, db.Name())
}

var _ driver.Connector = (*DB)(nil)

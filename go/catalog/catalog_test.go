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

package catalog

import (
	"database/sql/driver"
	"errors"
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmanager/dbmanager/go/fakepgdb"
)

func TestQueriesParse(t *testing.T) {
	for name, query := range map[string]string{
		"databases": ListDatabasesQuery(),
		"tables":    ListTablesQuery(),
	} {
		t.Run(name, func(t *testing.T) {
			tree, err := pg_query.Parse(query)
			require.NoError(t, err)
			require.Len(t, tree.GetStmts(), 1)

			sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
			require.NotNil(t, sel, "expected a SELECT")
			assert.NotEmpty(t, sel.GetSortClause(), "catalog queries must be ordered by the server")
		})
	}
}

func TestListDatabases(t *testing.T) {
	db := fakepgdb.New(t)
	db.AddQuery(ListDatabasesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"datname", "oid"},
		Rows: [][]any{
			{"alpha", int64(16384)},
			{"mydb", int64(16385)},
			{"zeta", int64(16386)},
		},
	})
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	got, err := ListDatabases(t.Context(), sqlDB)
	require.NoError(t, err)
	assert.Equal(t, []Database{
		{Name: "alpha", OID: 16384},
		{Name: "mydb", OID: 16385},
		{Name: "zeta", OID: 16386},
	}, got)
	assert.Equal(t, 1, db.GetQueryCalledNum(ListDatabasesQuery()))
}

func TestListDatabasesPreservesServerOrder(t *testing.T) {
	db := fakepgdb.New(t)
	// whatever order the server returns is the order callers see
	db.AddQuery(ListDatabasesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"datname", "oid"},
		Rows:    [][]any{{"zeta", int64(3)}, {"alpha", int64(1)}},
	})
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	got, err := ListDatabases(t.Context(), sqlDB)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "zeta", got[0].Name)
	assert.Equal(t, "alpha", got[1].Name)
}

func TestListDatabasesEmpty(t *testing.T) {
	db := fakepgdb.New(t)
	db.AddQuery(ListDatabasesQuery(), &fakepgdb.ExpectedResult{Columns: []string{"datname", "oid"}})
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	got, err := ListDatabases(t.Context(), sqlDB)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListTables(t *testing.T) {
	db := fakepgdb.New(t)
	db.AddQuery(ListTablesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"schema", "name", "owner"},
		Rows: [][]any{
			{"public", "accounts", "alice"},
			{"public", "orders", "alice"},
			{"sales", "leads", "bob"},
		},
	})
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	got, err := ListTables(t.Context(), sqlDB)
	require.NoError(t, err)
	assert.Equal(t, []Table{
		{Name: "accounts", Schema: "public", Owner: "alice"},
		{Name: "orders", Schema: "public", Owner: "alice"},
		{Name: "leads", Schema: "sales", Owner: "bob"},
	}, got)
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	db := fakepgdb.New(t)
	cause := errors.New("permission denied for table pg_database")
	db.AddRejectedQuery(ListDatabasesQuery(), cause)
	db.AddRejectedQuery(ListTablesQuery(), driver.ErrBadConn)
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	_, err := ListDatabases(t.Context(), sqlDB)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to query databases")

	conn, err := sqlDB.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()
	_, err = ListTables(t.Context(), conn)
	assert.ErrorIs(t, err, driver.ErrBadConn)
}

func TestScanErrorOnUnexpectedShape(t *testing.T) {
	db := fakepgdb.New(t)
	db.AddQuery(ListDatabasesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"datname", "oid"},
		Rows:    [][]any{{"mydb", "not-a-number"}},
	})
	sqlDB := db.OpenDB()
	defer sqlDB.Close()

	_, err := ListDatabases(t.Context(), sqlDB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to scan database row")
}

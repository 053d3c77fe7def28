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

// Package catalog runs the fixed introspection queries against a live
// PostgreSQL connection.
package catalog

import (
	"context"
	"fmt"

	"github.com/dbmanager/dbmanager/go/dbconn"
)

// Database is one row of pg_database.
type Database struct {
	Name string `json:"name"`
	OID  uint32 `json:"oid"`
}

// Table is one ordinary table visible on the search path.
type Table struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
	Owner  string `json:"owner"`
}

const (
	listDatabasesQuery = `SELECT datname, oid FROM pg_database WHERE NOT datistemplate ORDER BY datname ASC`

	listTablesQuery = `SELECT n.nspname AS schema, c.relname AS name, pg_catalog.pg_get_userbyid(c.relowner) AS owner ` +
		`FROM pg_catalog.pg_class c LEFT JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace ` +
		`WHERE c.relkind = 'r' AND n.nspname <> 'pg_catalog' AND n.nspname <> 'information_schema' ` +
		`AND n.nspname !~ '^pg_toast' AND pg_catalog.pg_table_is_visible(c.oid) ORDER BY 1, 2`
)

// ListDatabasesQuery is the statement run by ListDatabases.
func ListDatabasesQuery() string { return listDatabasesQuery }

// ListTablesQuery is the statement run by ListTables.
func ListTablesQuery() string { return listTablesQuery }

// ListDatabases returns the non-template databases ordered by name.
func ListDatabases(ctx context.Context, q dbconn.Queryer) ([]Database, error) {
	rows, err := q.QueryContext(ctx, listDatabasesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query databases: %w", err)
	}
	defer rows.Close()

	databases := []Database{}
	for rows.Next() {
		var d Database
		if err := rows.Scan(&d.Name, &d.OID); err != nil {
			return nil, fmt.Errorf("failed to scan database row: %w", err)
		}
		databases = append(databases, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read databases: %w", err)
	}
	return databases, nil
}

// ListTables returns user tables visible on the search path ordered by
// schema, then name.
func ListTables(ctx context.Context, q dbconn.Queryer) ([]Table, error) {
	rows, err := q.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	tables := []Table{}
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.Owner); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tables: %w", err)
	}
	return tables, nil
}

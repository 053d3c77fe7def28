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

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc/codes"

	"github.com/dbmanager/dbmanager/go/broker"
	"github.com/dbmanager/dbmanager/go/catalog"
	"github.com/dbmanager/dbmanager/go/dbconn"
	"github.com/dbmanager/dbmanager/go/fakepgdb"
	"github.com/dbmanager/dbmanager/go/mterrors"
	"github.com/dbmanager/dbmanager/go/session"
	"github.com/dbmanager/dbmanager/go/viperutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testServer wires a real broker over a fake database into a mux.
func testServer(t *testing.T) (*http.ServeMux, *fakepgdb.DB) {
	t.Helper()
	db := fakepgdb.New(t)
	db.AddUser("u", "p")
	db.AddQuery(catalog.ListDatabasesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"datname", "oid"},
		Rows:    [][]any{{"alpha", int64(1)}, {"mydb", int64(2)}, {"zeta", int64(3)}},
	})
	db.AddQuery(catalog.ListTablesQuery(), &fakepgdb.ExpectedResult{
		Columns: []string{"schema", "name", "owner"},
		Rows:    [][]any{{"public", "accounts", "u"}},
	})

	opener := dbconn.OpenerFunc(func(target dbconn.Target) (*dbconn.Source, error) {
		return dbconn.NewSource(target, db.Login(target.User, target.Password, target.Database)), nil
	})
	b := broker.New(broker.NewConfig(viperutil.NewRegistry()), broker.WithOpener(opener))
	require.NoError(t, b.Open(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	mux := http.NewServeMux()
	New(b, nil).Register(mux.HandleFunc)
	return mux, db
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func connect(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/connect", "",
		`{"host":"db1","port":5432,"username":"u","password":"p","database":"mydb"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := session.Parse(resp.SessionID)
	require.NoError(t, err)
	return resp.SessionID
}

func TestConnectAndBrowse(t *testing.T) {
	mux, _ := testServer(t)
	token := connect(t, mux)

	w := do(t, mux, http.MethodGet, "/databases", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	var dbs []catalog.Database
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dbs))
	require.Len(t, dbs, 3)
	assert.Equal(t, "alpha", dbs[0].Name)
	assert.Equal(t, "mydb", dbs[1].Name)
	assert.Equal(t, "zeta", dbs[2].Name)

	w = do(t, mux, http.MethodGet, "/tables", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"accounts","schema":"public","owner":"u"}]`, w.Body.String())

	w = do(t, mux, http.MethodGet, "/connection/retry", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"session_id":"`+token+`"}`, w.Body.String())

	w = do(t, mux, http.MethodGet, "/debug/sessions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), token)
	assert.NotContains(t, w.Body.String(), `"p"`)

	w = do(t, mux, http.MethodDelete, "/session", token, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, mux, http.MethodGet, "/databases", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectRefused(t *testing.T) {
	mux, _ := testServer(t)

	w := do(t, mux, http.MethodPost, "/connect", "",
		`{"host":"db1","port":5432,"username":"u","password":"wrong","database":"mydb"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorResponse{Error: "Connection refused", Code: codes.InvalidArgument.String()}, decodeError(t, w))

	w = do(t, mux, http.MethodGet, "/debug/sessions", "", "")
	assert.Contains(t, w.Body.String(), `"sessions":0`)
}

func TestConnectBadBody(t *testing.T) {
	mux, _ := testServer(t)

	for name, body := range map[string]string{
		"empty":      "",
		"malformed":  `{"host":`,
		"wrong type": `{"port":"5432"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(t, mux, http.MethodPost, "/connect", "", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, codes.InvalidArgument.String(), resp.Code)
			assert.True(t, strings.HasPrefix(resp.Error, "invalid request body"), resp.Error)
		})
	}
}

func TestUnknownSession(t *testing.T) {
	mux, _ := testServer(t)

	for _, path := range []string{"/databases", "/tables", "/connection/retry"} {
		t.Run(path, func(t *testing.T) {
			w := do(t, mux, http.MethodGet, path, "not-a-real-token", "")
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, ErrorResponse{
				Error: "No session could be found with session id: not-a-real-token",
				Code:  codes.NotFound.String(),
			}, decodeError(t, w))
		})
	}

	w := do(t, mux, http.MethodGet, "/databases", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodDelete, "/session", "not-a-real-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryErrors(t *testing.T) {
	mux, db := testServer(t)
	token := connect(t, mux)

	db.AddRejectedQuery(catalog.ListTablesQuery(), errors.New(`relation "pg_class" does not exist`))
	w := do(t, mux, http.MethodGet, "/tables", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codes.FailedPrecondition.String(), decodeError(t, w).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := testServer(t)

	tests := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/connect", http.MethodPost},
		{http.MethodPost, "/databases", http.MethodGet},
		{http.MethodDelete, "/tables", http.MethodGet},
		{http.MethodPost, "/connection/retry", http.MethodGet},
		{http.MethodGet, "/session", http.MethodDelete},
		{http.MethodPost, "/debug/sessions", http.MethodGet},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, mux, tt.method, tt.path, "", "")
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Equal(t, tt.allow, w.Header().Get("Allow"))
		})
	}
}

func TestHealthz(t *testing.T) {
	mux, _ := testServer(t)
	w := do(t, mux, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

// stubBroker fails every call with err.
type stubBroker struct {
	err error
}

func (s stubBroker) Connect(context.Context, broker.Credentials) (session.ID, error) {
	return session.Nil, s.err
}

func (s stubBroker) ListDatabases(context.Context, string) ([]catalog.Database, error) {
	return nil, s.err
}

func (s stubBroker) ListTables(context.Context, string) ([]catalog.Table, error) {
	return nil, s.err
}

func (s stubBroker) CheckSession(context.Context, string) (session.ID, error) {
	return session.Nil, s.err
}

func (s stubBroker) Disconnect(context.Context, string) error {
	return s.err
}

func (s stubBroker) Stats() broker.Stats {
	return broker.Stats{}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   codes.Code
	}{
		{mterrors.PoolExhausted(nil), http.StatusServiceUnavailable, codes.ResourceExhausted},
		{mterrors.Timeout(nil), http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{mterrors.RegistryUnavailable(errors.New("poisoned")), http.StatusInternalServerError, codes.Internal},
		{mterrors.ConnLost(errors.New("EOF")), http.StatusServiceUnavailable, codes.Unavailable},
		{mterrors.Unavailable(nil), http.StatusServiceUnavailable, codes.Unavailable},
		{mterrors.Internalf("worker panicked"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(mterrors.KindOf(tt.err).String(), func(t *testing.T) {
			mux := http.NewServeMux()
			New(stubBroker{err: tt.err}, nil).Register(mux.HandleFunc)

			w := do(t, mux, http.MethodGet, "/databases", "x", "")
			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code.String(), resp.Code)
			assert.Equal(t, mterrors.Message(tt.err), resp.Error)
			assert.NotContains(t, resp.Error, "poisoned", "causes stay out of responses")
		})
	}
}

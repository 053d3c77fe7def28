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

// Package httpapi exposes the broker over JSON and HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/dbmanager/dbmanager/go/broker"
	"github.com/dbmanager/dbmanager/go/catalog"
	"github.com/dbmanager/dbmanager/go/mterrors"
	"github.com/dbmanager/dbmanager/go/session"
)

// SessionHeader carries the session id on every request after /connect.
const SessionHeader = "X-Session-Id"

// maxBodyBytes bounds the /connect request body.
const maxBodyBytes = 1 << 20

// Broker is the part of *broker.Broker the handlers use.
type Broker interface {
	Connect(ctx context.Context, creds broker.Credentials) (session.ID, error)
	ListDatabases(ctx context.Context, token string) ([]catalog.Database, error)
	ListTables(ctx context.Context, token string) ([]catalog.Table, error)
	CheckSession(ctx context.Context, token string) (session.ID, error)
	Disconnect(ctx context.Context, token string) error
	Stats() broker.Stats
}

// HandleFunc registers a handler for a pattern, as http.ServeMux.HandleFunc
// and servenv.ServEnv.HTTPHandleFunc do.
type HandleFunc func(pattern string, handler func(http.ResponseWriter, *http.Request))

// API serves the broker endpoints.
type API struct {
	broker Broker
	logger *slog.Logger
}

// New creates the API. A nil logger means slog.Default().
func New(b Broker, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{broker: b, logger: logger}
}

// Register installs every endpoint.
func (a *API) Register(handle HandleFunc) {
	handle("/connect", a.handleConnect)
	handle("/databases", a.handleDatabases)
	handle("/tables", a.handleTables)
	handle("/connection/retry", a.handleRetry)
	handle("/session", a.handleSession)
	handle("/healthz", a.handleHealthz)
	handle("/debug/sessions", a.handleDebugSessions)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionResponse is returned by /connect and /connection/retry.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response using a gRPC code
func writeError(w http.ResponseWriter, httpCode int, code codes.Code, message string) {
	writeJSON(w, httpCode, ErrorResponse{
		Error: message,
		Code:  code.String(),
	})
}

// writeBrokerError reports err with the status its kind maps to. Only the
// client-facing message is sent; the cause stays in the logs.
func (a *API) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	status := mterrors.HTTPStatus(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	a.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err)
	writeError(w, status, mterrors.Code(err), mterrors.Message(err))
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, codes.InvalidArgument, "method not allowed")
	return false
}

func sessionToken(r *http.Request) string {
	return r.Header.Get(SessionHeader)
}

// handleConnect handles POST /connect
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var creds broker.Credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&creds); err != nil {
		msg := "invalid request body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "invalid request body: empty"
		}
		writeError(w, http.StatusBadRequest, codes.InvalidArgument, msg)
		return
	}

	id, err := a.broker.Connect(r.Context(), creds)
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: id.String()})
}

// handleDatabases handles GET /databases
func (a *API) handleDatabases(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	dbs, err := a.broker.ListDatabases(r.Context(), sessionToken(r))
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dbs)
}

// handleTables handles GET /tables
func (a *API) handleTables(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	tables, err := a.broker.ListTables(r.Context(), sessionToken(r))
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

// handleRetry handles GET /connection/retry
func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, err := a.broker.CheckSession(r.Context(), sessionToken(r))
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: id.String()})
}

// handleSession handles DELETE /session
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	if err := a.broker.Disconnect(r.Context(), sessionToken(r)); err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleDebugSessions handles GET /debug/sessions
func (a *API) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.broker.Stats())
}

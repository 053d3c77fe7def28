// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package servenv

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	viperdebug "github.com/dbmanager/dbmanager/go/viperutil/debug"
)

const readHeaderTimeout = 10 * time.Second

// HTTPHandle registers the given handler for the internal servenv mux.
func (sv *ServEnv) HTTPHandle(pattern string, handler http.Handler) {
	sv.mux.Handle(pattern, handler)
}

// HTTPHandleFunc registers the given handler func for the internal servenv mux.
func (sv *ServEnv) HTTPHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	sv.mux.HandleFunc(pattern, handler)
}

// Handler returns the internal servenv mux.
func (sv *ServEnv) Handler() http.Handler {
	return sv.mux
}

// newHTTPServer builds the server Run serves the mux with.
func (sv *ServEnv) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           sv.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(sv.GetLogger().Handler(), slog.LevelWarn),
	}
}

// httpServe serves srv on l until it is shut down.
func httpServe(srv *http.Server, l net.Listener) error {
	slog.Info("Listening for HTTP calls", "addr", l.Addr().String())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// HTTPRegisterDebug installs /debug/config and, with --pprof-http, the
// pprof endpoints.
func (sv *ServEnv) HTTPRegisterDebug() {
	sv.HTTPHandleFunc("/debug/config", viperdebug.HandlerFunc(sv.reg, sv.flags))

	if !sv.httpPprof.Get() {
		return
	}
	sv.HTTPHandleFunc("/debug/pprof/", pprof.Index)
	sv.HTTPHandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	sv.HTTPHandleFunc("/debug/pprof/profile", pprof.Profile)
	sv.HTTPHandleFunc("/debug/pprof/symbol", pprof.Symbol)
	sv.HTTPHandleFunc("/debug/pprof/trace", pprof.Trace)
}

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
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// RunDefault calls Run with the address and port from the flags.
func (sv *ServEnv) RunDefault(ctx context.Context) error {
	return sv.Run(ctx, sv.bindAddress.Get(), sv.httpPort.Get())
}

// Run starts listening for HTTP requests and blocks until the process gets
// SIGTERM or SIGINT, or ctx is done. It then runs the lameduck sequence:
// OnTerm hooks, a wait of at least --lameduck-period, HTTP shutdown, and
// the OnClose hooks.
func (sv *ServEnv) Run(ctx context.Context, bindAddress string, port int) error {
	sv.Init()
	if err := sv.FireRunHooks(); err != nil {
		return fmt.Errorf("run hooks: %w", err)
	}

	l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port %d: %w", port, err)
	}

	actualPort := port
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		actualPort = addr.Port
	}
	if port == 0 {
		slog.Info("HTTP port was dynamically allocated", "requested_port", port, "actual_port", actualPort)
	}
	sv.setListeningURL(url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(listenHost(bindAddress), strconv.Itoa(actualPort)),
		Path:   "/",
	})

	srv := sv.newHTTPServer()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServe(srv, l)
	}()

	signal.Notify(sv.exitChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sv.exitChan)
	slog.Info("service successfully started", "port", actualPort)

	var runErr error
	select {
	case sig := <-sv.exitChan:
		slog.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("context done, stopping", "cause", context.Cause(ctx))
	case err := <-serveErr:
		if err != nil {
			slog.Error("http serve returned unexpected error", "err", err)
			runErr = fmt.Errorf("http serve: %w", err)
		}
	}

	startTime := time.Now()
	slog.Info("entering lameduck mode", "period", sv.lameduckPeriod.Get())
	slog.Info("firing asynchronous OnTerm hooks")
	go sv.onTermHooks.fire()

	sv.fireOnTermSyncHooks(sv.onTermTimeout.Get())
	if remain := sv.lameduckPeriod.Get() - time.Since(startTime); remain > 0 {
		slog.Info(fmt.Sprintf("sleeping an extra %v after OnTermSync to finish lameduck period", remain))
		time.Sleep(remain)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sv.onCloseTimeout.Get())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown did not complete", "err", err)
		_ = srv.Close()
	}

	slog.Info("shutting down gracefully")
	sv.fireOnCloseHooks(sv.onCloseTimeout.Get())
	sv.setListeningURL(url.URL{})
	return runErr
}

func listenHost(bindAddress string) string {
	if bindAddress == "" {
		return "localhost"
	}
	return bindAddress
}

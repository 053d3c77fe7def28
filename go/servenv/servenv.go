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

// Package servenv manages the process lifecycle of a dbmanager server:
// flag and config loading, logging, the HTTP listener, signal handling and
// the lameduck shutdown sequence.
package servenv

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dbmanager/dbmanager/go/viperutil"
	viperdebug "github.com/dbmanager/dbmanager/go/viperutil/debug"
)

// ServEnv holds the service environment configuration and state
type ServEnv struct {
	// Configuration registry
	reg *viperutil.Registry

	// Configuration
	httpPort       viperutil.Value[int]
	bindAddress    viperutil.Value[string]
	lameduckPeriod viperutil.Value[time.Duration]
	onTermTimeout  viperutil.Value[time.Duration]
	onCloseTimeout viperutil.Value[time.Duration]
	pidFile        viperutil.Value[string]
	httpPprof      viperutil.Value[bool]
	vc             *viperutil.ViperConfig

	// Hooks
	onInitHooks     hooks
	onTermHooks     hooks
	onTermSyncHooks hooks
	onRunHooks      hooks
	onRunEHooks     errorHooks
	onCloseHooks    hooks

	// State
	mu           sync.Mutex
	inited       bool
	listeningURL url.URL

	mux *http.ServeMux
	// exitChan waits for a signal that tells the process to terminate
	exitChan chan os.Signal
	lg       *Logger
	flags    *pflag.FlagSet
}

// NewServEnv creates a new ServEnv instance with the given registry
func NewServEnv(reg *viperutil.Registry) *ServEnv {
	return NewServEnvWithConfig(reg, NewLogger(reg), viperutil.NewViperConfig(reg))
}

// NewServEnvWithConfig creates a new ServEnv instance with external registry, logger and viper config.
func NewServEnvWithConfig(reg *viperutil.Registry, lg *Logger, vc *viperutil.ViperConfig) *ServEnv {
	sv := &ServEnv{
		reg: reg,
		httpPort: viperutil.Configure(reg, "http.port", viperutil.Options[int]{
			Default:  8000,
			FlagName: "port",
			EnvVars:  []string{"DBMANAGER_PORT"},
		}),
		bindAddress: viperutil.Configure(reg, "http.bind-address", viperutil.Options[string]{
			Default:  "",
			FlagName: "bind-address",
			EnvVars:  []string{"DBMANAGER_BIND_ADDRESS"},
		}),
		lameduckPeriod: viperutil.Configure(reg, "lameduck-period", viperutil.Options[time.Duration]{
			Default:  50 * time.Millisecond,
			FlagName: "lameduck-period",
		}),
		onTermTimeout: viperutil.Configure(reg, "onterm-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "onterm-timeout",
		}),
		onCloseTimeout: viperutil.Configure(reg, "onclose-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "onclose-timeout",
		}),
		pidFile: viperutil.Configure(reg, "pid-file", viperutil.Options[string]{
			Default:  "",
			FlagName: "pid-file",
		}),
		httpPprof: viperutil.Configure(reg, "pprof-http", viperutil.Options[bool]{
			Default:  false,
			FlagName: "pprof-http",
		}),
		vc:       vc,
		mux:      http.NewServeMux(),
		lg:       lg,
		exitChan: make(chan os.Signal, 1),
	}
	sv.registerPidFile()
	return sv
}

// Registry returns the configuration registry.
func (sv *ServEnv) Registry() *viperutil.Registry {
	return sv.reg
}

// Logger returns the logging configuration.
func (sv *ServEnv) Logger() *Logger {
	return sv.lg
}

// GetLogger returns the configured logger instance.
func (sv *ServEnv) GetLogger() *slog.Logger {
	return sv.lg.GetLogger()
}

// GetHTTPPort returns the HTTP port value
func (sv *ServEnv) GetHTTPPort() int {
	return sv.httpPort.Get()
}

// GetBindAddress returns the bind address value
func (sv *ServEnv) GetBindAddress() string {
	return sv.bindAddress.Get()
}

// ListeningURL returns the URL the HTTP server listens on, or the zero URL
// when it is not running.
func (sv *ServEnv) ListeningURL() url.URL {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.listeningURL
}

func (sv *ServEnv) setListeningURL(u url.URL) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.listeningURL = u
}

// Init fires the OnInit hooks once. It is called by Run.
func (sv *ServEnv) Init() {
	sv.mu.Lock()
	if sv.inited {
		sv.mu.Unlock()
		return
	}
	sv.inited = true
	sv.mu.Unlock()
	sv.onInitHooks.fire()
}

// OnInit registers f to be run at the beginning of the app lifecycle
func (sv *ServEnv) OnInit(f func()) {
	sv.onInitHooks.add(f)
}

// OnTerm registers a function to be run when the process receives a SIGTERM.
// There is no guarantee that the process waits for it.
func (sv *ServEnv) OnTerm(f func()) {
	sv.onTermHooks.add(f)
}

// OnTermSync registers a function to be run when the process receives SIGTERM.
// Run waits up to --onterm-timeout for these hooks.
func (sv *ServEnv) OnTermSync(f func()) {
	sv.onTermSyncHooks.add(f)
}

// OnRun registers f to be run right at the beginning of Run
func (sv *ServEnv) OnRun(f func()) {
	sv.onRunHooks.add(f)
}

// OnRunE registers an error-returning function to be run right at the beginning of Run.
// If any of them fails, Run returns without listening.
func (sv *ServEnv) OnRunE(f func() error) {
	sv.onRunEHooks.add(f)
}

// OnClose registers f to be run at the end of the app lifecycle.
// This happens after the lameduck period just before the program exits.
// All hooks are run in parallel.
func (sv *ServEnv) OnClose(f func()) {
	sv.onCloseHooks.add(f)
}

// FireRunHooks fires the hooks registered by OnRun and OnRunE.
func (sv *ServEnv) FireRunHooks() error {
	sv.onRunHooks.fire()
	return sv.onRunEHooks.fire()
}

// fireOnTermSyncHooks returns true iff all the hooks finish before the timeout
func (sv *ServEnv) fireOnTermSyncHooks(timeout time.Duration) bool {
	return fireHooksWithTimeout(timeout, "OnTermSync", sv.onTermSyncHooks.fire)
}

// fireOnCloseHooks returns true iff all the hooks finish before the timeout
func (sv *ServEnv) fireOnCloseHooks(timeout time.Duration) bool {
	return fireHooksWithTimeout(timeout, "OnClose", func() {
		sv.onCloseHooks.fire()
		sv.setListeningURL(url.URL{})
	})
}

// fireHooksWithTimeout returns true iff all the hooks finish before the timeout
func fireHooksWithTimeout(timeout time.Duration, name string, hookFn func()) bool {
	slog.Info("Firing hooks and waiting for them", "name", name, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		hookFn()
		close(done)
	}()

	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s hooks finished", name))
		return true
	case <-timer.C:
		slog.Info(fmt.Sprintf("%s hooks timed out", name))
		return false
	}
}

// RegisterFlags installs the server, logging and config flags on fs.
func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("port", sv.httpPort.Default(), "HTTP port for the server")
	fs.String("bind-address", sv.bindAddress.Default(), "Bind address for the server. If empty, the server will listen on all available unicast and anycast IP addresses of the local system.")
	fs.Bool("pprof-http", sv.httpPprof.Default(), "enable pprof http endpoints")

	// Timeout flags
	fs.Duration("lameduck-period", sv.lameduckPeriod.Default(), "keep running at least this long after SIGTERM before stopping")
	fs.Duration("onterm-timeout", sv.onTermTimeout.Default(), "wait no more than this for OnTermSync handlers before stopping")
	fs.Duration("onclose-timeout", sv.onCloseTimeout.Default(), "wait no more than this for OnClose handlers before stopping")
	fs.String("pid-file", sv.pidFile.Default(), "If set, the process will write its pid to the named file, and delete it on graceful shutdown.")

	viperutil.BindFlags(fs, sv.httpPort, sv.bindAddress, sv.lameduckPeriod, sv.onTermTimeout, sv.onCloseTimeout, sv.pidFile, sv.httpPprof)

	sv.lg.RegisterFlags(fs)
	sv.vc.RegisterFlags(fs)
	sv.flags = fs
}

// CobraPreRunE loads the config file, starts watching it and sets up
// logging. It matches the signature of cobra's (Pre|Post)RunE-type
// functions.
func (sv *ServEnv) CobraPreRunE(cmd *cobra.Command) error {
	// Re-apply the log level and log the settings on config file change.
	ch := make(chan struct{}, 1)
	viperutil.NotifyConfigReload(sv.reg, ch)
	go func() {
		for range ch {
			sv.lg.Reload()
			slog.Info("Change in configuration", "settings", viperdebug.Mask(sv.reg.Combined().AllSettings()))
		}
	}()

	watchCancel, err := sv.vc.LoadConfig(sv.reg)
	if err != nil {
		close(ch)
		return fmt.Errorf("%s: failed to read in config: %w", cmd.Name(), err)
	}

	sv.lg.SetupLogging()

	// closing ch after the watcher is gone means nothing sends on a
	// closed channel
	sv.OnClose(func() {
		watchCancel()
		close(ch)
	})
	return nil
}

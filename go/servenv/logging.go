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

package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/dbmanager/dbmanager/go/viperutil"
)

// Logger owns the process-wide slog configuration. The level is dynamic:
// when the watched config file changes, Reload applies the new level
// without rebuilding the handler.
type Logger struct {
	// Logging configuration flags
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	level slog.LevelVar

	// Internal state
	loggerOnce sync.Once
	logger     *slog.Logger
	output     io.Writer
	loggerMu   sync.Mutex

	// Hooks for customizing logging behavior
	loggingSetupHooks  []func(*slog.Logger)
	loggingChangeHooks []func(*slog.Logger)
	loggingHooksMu     sync.Mutex
}

// NewLogger registers the logging keys with reg.
func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
			EnvVars:  []string{"DBMANAGER_LOG_LEVEL"},
			Dynamic:  true,
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
			Dynamic:  false,
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stdout",
			FlagName: "log-output",
			Dynamic:  false,
		}),
	}
}

// RegisterFlags registers logging-related command line flags.
// This must be called before ParseFlags if using the logging system.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// ParseLevel converts a level name to a slog.Level. Unknown names are
// reported as an error together with slog.LevelInfo.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func openOutput(s string) (io.Writer, error) {
	switch strings.ToLower(s) {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	// Treat as file path
	return os.OpenFile(s, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// OnLoggingSetup registers a callback function to be called after the logger is created.
// This allows applications to customize the logger behavior.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) {
	lg.loggingHooksMu.Lock()
	defer lg.loggingHooksMu.Unlock()
	lg.loggingSetupHooks = append(lg.loggingSetupHooks, f)
}

// OnLoggingChange registers a callback function to be called when logging configuration changes.
func (lg *Logger) OnLoggingChange(f func(*slog.Logger)) {
	lg.loggingHooksMu.Lock()
	defer lg.loggingHooksMu.Unlock()
	lg.loggingChangeHooks = append(lg.loggingChangeHooks, f)
}

// SetupLogging initializes the logger based on the configured flags.
// This should be called after flags are parsed but before any logging occurs.
func (lg *Logger) SetupLogging() {
	lg.loggerOnce.Do(func() {
		levelStr := lg.logLevel.Get()
		level, levelErr := ParseLevel(levelStr)
		lg.level.Set(level)

		outputStr := lg.logOutput.Get()
		output, outputErr := openOutput(outputStr)
		if outputErr != nil {
			// Fallback to stdout if file creation fails
			output = os.Stdout
		}

		opts := &slog.HandlerOptions{Level: &lg.level}
		var handler slog.Handler
		formatStr := lg.logFormat.Get()
		switch strings.ToLower(formatStr) {
		case "text":
			handler = slog.NewTextHandler(output, opts)
		default:
			handler = slog.NewJSONHandler(output, opts)
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.output = output
		lg.loggerMu.Unlock()

		lg.fireLoggingSetupHooks(newLogger)

		newLogger.Info("logging initialized",
			"level", level.String(),
			"format", formatStr,
			"output", outputStr,
		)
		if levelErr != nil {
			newLogger.Warn("invalid log level, using info", "error", levelErr)
		}
		if outputErr != nil {
			newLogger.Warn("failed to open log output, using stdout", "output", outputStr, "error", outputErr)
		}
	})
}

// Reload re-reads the log level and applies it. Format and output are
// fixed at setup.
func (lg *Logger) Reload() {
	level, err := ParseLevel(lg.logLevel.Get())
	if err != nil {
		lg.GetLogger().Warn("ignoring invalid log level on reload", "error", err)
		return
	}
	if lg.level.Level() == level {
		return
	}
	old := lg.level.Level()
	lg.level.Set(level)
	l := lg.GetLogger()
	l.Info("log level changed", "old", old.String(), "new", level.String())
	lg.fireLoggingChangeHooks(l)
}

// Level returns the current log level.
func (lg *Logger) Level() slog.Level {
	return lg.level.Level()
}

// GetLogger returns the configured logger instance.
// SetupLogging must be called before this function.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		// Return default slog logger if our logger hasn't been set up yet
		return slog.Default()
	}
	return lg.logger
}

// fireLoggingSetupHooks calls all registered logging setup hooks.
func (lg *Logger) fireLoggingSetupHooks(l *slog.Logger) {
	lg.loggingHooksMu.Lock()
	hooks := make([]func(*slog.Logger), len(lg.loggingSetupHooks))
	copy(hooks, lg.loggingSetupHooks)
	lg.loggingHooksMu.Unlock()

	for _, hook := range hooks {
		hook(l)
	}
}

// fireLoggingChangeHooks calls all registered logging change hooks.
func (lg *Logger) fireLoggingChangeHooks(l *slog.Logger) {
	lg.loggingHooksMu.Lock()
	hooks := make([]func(*slog.Logger), len(lg.loggingChangeHooks))
	copy(hooks, lg.loggingChangeHooks)
	lg.loggingHooksMu.Unlock()

	for _, hook := range hooks {
		hook(l)
	}
}

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

// dbmanager brokers PostgreSQL sessions for HTTP clients: a client posts
// credentials once, gets a session id back, and browses the server's
// catalog through a connection pool kept for that session.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbmanager/dbmanager/go/broker"
	"github.com/dbmanager/dbmanager/go/httpapi"
	"github.com/dbmanager/dbmanager/go/servenv"
	"github.com/dbmanager/dbmanager/go/viperutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// DBManagerCommand holds the configuration of one dbmanager process.
type DBManagerCommand struct {
	reg    *viperutil.Registry
	senv   *servenv.ServEnv
	broker *broker.Config
}

// CreateDBManagerCommand creates the root command with all flags
// registered against a fresh registry.
func CreateDBManagerCommand() (*cobra.Command, *DBManagerCommand) {
	reg := viperutil.NewRegistry()
	dc := &DBManagerCommand{
		reg:    reg,
		senv:   servenv.NewServEnv(reg),
		broker: broker.NewConfig(reg),
	}

	cmd := &cobra.Command{
		Use:   "dbmanager",
		Short: "dbmanager brokers session-scoped PostgreSQL connection pools over HTTP.",
		Long:  "dbmanager brokers session-scoped PostgreSQL connection pools over HTTP. POST /connect opens a session; later requests name it with the X-Session-Id header.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return dc.senv.CobraPreRunE(cmd)
		},
		RunE:         dc.run,
		SilenceUsage: true,
	}

	dc.senv.RegisterFlags(cmd.Flags())
	dc.broker.RegisterFlags(cmd.Flags())
	cmd.AddCommand(versionCommand())
	return cmd, dc
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dbmanager version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dbmanager %s\n", version)
		},
	}
}

func (dc *DBManagerCommand) run(cmd *cobra.Command, args []string) error {
	if err := dc.broker.Validate(); err != nil {
		return err
	}
	logger := dc.senv.GetLogger()

	b := broker.New(dc.broker, broker.WithLogger(logger))
	if err := b.Open(cmd.Context()); err != nil {
		return err
	}

	httpapi.New(b, logger).Register(dc.senv.HTTPHandleFunc)
	dc.senv.HTTPRegisterDebug()

	dc.senv.OnRun(func() {
		logger.Info("dbmanager starting up",
			"version", version,
			"http_port", dc.senv.GetHTTPPort(),
			"db_driver", dc.broker.DBDriver(),
		)
	})
	dc.senv.OnClose(func() {
		logger.Info("dbmanager shutting down")
		if err := b.Close(); err != nil {
			logger.Error("failed to close broker", "error", err)
		}
	})

	if err := dc.senv.RunDefault(cmd.Context()); err != nil {
		// Run may fail before the OnClose hooks are armed
		_ = b.Close()
		return err
	}
	return nil
}

func main() {
	cmd, _ := CreateDBManagerCommand()
	if err := cmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

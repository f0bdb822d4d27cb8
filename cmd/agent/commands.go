// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the build via
// -ldflags "-X main.version=v1.2.3".
var version = "dev"

var (
	envFile  string
	port     int
	logJSON  bool
	logLevel string
	logDir   string

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Kinic memory agent: semantic storage with an on-chain audit trail",
		Long: `The memory agent stores memories in a Kinic vector canister and
writes a verifiable record of every insert and search to a Monad
contract. It serves inserts, semantic search, memory-grounded chat,
and read access to the audit log over HTTP.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", "", "load environment from this file before reading config")
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides AGENT_PORT)")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs on stderr")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

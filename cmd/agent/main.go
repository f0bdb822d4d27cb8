// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command agent starts the Kinic memory-agent gateway.
//
// The gateway fronts two backends: the Kinic vector canister for semantic
// memory and a Monad contract for the append-only audit log. Configuration
// comes from flags, environment variables, and an optional .env file;
// secrets resolve through the environment or /run/secrets.
//
// # Usage
//
//	# Build
//	go build -o agent ./cmd/agent
//
//	# Run
//	./agent serve --env-file .env
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credentials resolves secrets from the environment with a Docker
// secrets fallback, and keeps long-lived key material in memguard enclaves
// so the signer key and canister identity never sit in plain heap memory
// between uses.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
)

// secretsDir is where Docker mounts file-based secrets.
const secretsDir = "/run/secrets"

// Lookup returns the secret named by the environment variable, falling back
// to /run/secrets/<lowercased-name>. An empty string means not configured.
func Lookup(envVar string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	path := filepath.Join(secretsDir, strings.ToLower(envVar))
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Secret holds sensitive bytes in a sealed memguard enclave. The zero value
// is an absent secret.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals the value. The source string remains in the caller's
// memory; prefer Load so the only plaintext copy is transient.
func NewSecret(value string) Secret {
	if value == "" {
		return Secret{}
	}
	return Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// Load resolves the environment variable via Lookup and seals the result.
func Load(envVar string) Secret {
	return NewSecret(Lookup(envVar))
}

// IsSet reports whether the secret holds a value.
func (s Secret) IsSet() bool {
	return s.enclave != nil
}

// Use opens the enclave and passes the plaintext to fn. The buffer is wiped
// when fn returns; fn must not retain the slice.
func (s Secret) Use(fn func(value []byte) error) error {
	if s.enclave == nil {
		return fmt.Errorf("secret not configured")
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Reveal returns the plaintext as a string. Callers that can work through
// Use should; Reveal exists for APIs that require a string and keep their
// own copy anyway, like HTTP client constructors.
func (s Secret) Reveal() (string, error) {
	var out string
	err := s.Use(func(value []byte) error {
		out = string(value)
		return nil
	})
	return out, err
}

// Purge wipes all enclave session state. Call once on shutdown.
func Purge() {
	memguard.Purge()
}

// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_Env(t *testing.T) {
	t.Setenv("MEMORY_AGENT_TEST_SECRET", "  s3cret  ")
	assert.Equal(t, "s3cret", Lookup("MEMORY_AGENT_TEST_SECRET"))
}

func TestLookup_Missing(t *testing.T) {
	t.Setenv("MEMORY_AGENT_TEST_SECRET", "")
	assert.Equal(t, "", Lookup("MEMORY_AGENT_TEST_SECRET"))
}

func TestSecret_RoundTrip(t *testing.T) {
	s := NewSecret("0xdeadbeef")
	require.True(t, s.IsSet())

	var got string
	err := s.Use(func(value []byte) error {
		got = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", got)

	revealed, err := s.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", revealed)
}

func TestSecret_Absent(t *testing.T) {
	var s Secret
	assert.False(t, s.IsSet())

	err := s.Use(func([]byte) error { return nil })
	assert.Error(t, err)

	_, err = s.Reveal()
	assert.Error(t, err)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("MEMORY_AGENT_TEST_KEY", "abc123")
	s := Load("MEMORY_AGENT_TEST_KEY")
	require.True(t, s.IsSet())

	v, err := s.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)
}

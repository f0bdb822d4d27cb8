// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chainlog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

func TestTruncateBytes_UnderBound(t *testing.T) {
	assert.Equal(t, "short title", truncateBytes("short title", MaxTitleBytes))
}

func TestTruncateBytes_OverBound(t *testing.T) {
	long := strings.Repeat("x", 150)
	got := truncateBytes(long, MaxTitleBytes)

	assert.Len(t, got, MaxTitleBytes)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestTruncateBytes_NeverSplitsRune(t *testing.T) {
	long := strings.Repeat("é", 120) // 2 bytes each
	got := truncateBytes(long, MaxTitleBytes)

	assert.LessOrEqual(t, len(got), MaxTitleBytes)
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestParseFingerprint(t *testing.T) {
	hash, err := parseFingerprint("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), hash[0])
	assert.Equal(t, byte(0xab), hash[31])
}

func TestParseFingerprint_NoPrefix(t *testing.T) {
	_, err := parseFingerprint(strings.Repeat("cd", 32))
	require.NoError(t, err)
}

func TestParseFingerprint_Invalid(t *testing.T) {
	for _, bad := range []string{"", "0x1234", "0x" + strings.Repeat("zz", 32), "0x" + strings.Repeat("ab", 31)} {
		_, err := parseFingerprint(bad)
		require.Error(t, err, "input %q", bad)
		assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	}
}

func TestNew_MissingConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestNew_BadSignerKey(t *testing.T) {
	_, err := New(context.Background(), Config{
		RPCURL:          "http://localhost:8545",
		SignerKey:       "not-hex",
		ContractAddress: "0x0000000000000000000000000000000000000001",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

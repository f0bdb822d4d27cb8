// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

const (
	maxAttempts      = 3
	baseRetryBackoff = 500 * time.Millisecond
)

// withRetry runs fn up to three times, backing off exponentially with
// jitter. Only transport failures and 5xx responses (KindRemoteUnavailable)
// retry; a 4xx means the request itself is wrong and repeats verbatim.
func withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseRetryBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return "", apperr.FromContext(ctx, backendName)
			case <-time.After(backoff):
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if apperr.KindOf(err) != apperr.KindRemoteUnavailable {
			return "", err
		}
	}
	return "", lastErr
}

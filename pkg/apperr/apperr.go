// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apperr defines the single error taxonomy used across the memory
// agent. Every layer returns plain error values; the HTTP boundary is the
// only place that translates a Kind into a wire status code.
//
// # Usage
//
//	if body == "" {
//	    return apperr.New(apperr.KindBadRequest, "content must not be empty")
//	}
//
//	res, err := client.Do(req)
//	if err != nil {
//	    return apperr.Wrap(apperr.KindRemoteUnavailable, "kinic", err,
//	        "embedding service unreachable")
//	}
//
// Kinds survive wrapping: apperr.KindOf walks the error chain and returns
// the outermost Kind, defaulting to KindInternal for unclassified errors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP translation and metrics labeling.
type Kind string

const (
	// KindBadRequest is a validation failure. HTTP 400.
	KindBadRequest Kind = "KindBadRequest"

	// KindUnauthorized is a missing/invalid API key or a disallowed
	// origin. HTTP 401.
	KindUnauthorized Kind = "KindUnauthorized"

	// KindPayloadTooLarge is a request body or content field over the
	// configured bound. HTTP 413.
	KindPayloadTooLarge Kind = "KindPayloadTooLarge"

	// KindRateLimited is an exhausted admission bucket. HTTP 429.
	KindRateLimited Kind = "KindRateLimited"

	// KindRemoteUnavailable is a transport failure reaching a backend.
	// HTTP 502.
	KindRemoteUnavailable Kind = "KindRemoteUnavailable"

	// KindRemoteRejected is a backend that answered and refused the
	// call (canister logical error, embedding refusal). HTTP 502.
	KindRemoteRejected Kind = "KindRemoteRejected"

	// KindInsufficientFunds means the chain signer cannot pay gas.
	// HTTP 502. Never retried.
	KindInsufficientFunds Kind = "KindInsufficientFunds"

	// KindReverted is an on-chain revert, with the decoded reason when
	// one is recoverable. HTTP 502.
	KindReverted Kind = "KindReverted"

	// KindTimeout is a deadline or per-call timeout. HTTP 504.
	KindTimeout Kind = "KindTimeout"

	// KindInternal is a programming or invariant failure. HTTP 500.
	KindInternal Kind = "KindInternal"
)

// Error is the carrier for a classified failure. Backend names the remote
// system involved, when there is one ("kinic", "monad", "llm").
type Error struct {
	Kind    Kind
	Reason  string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Backend != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Reason, e.Backend, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Backend != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Backend)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf builds an Error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithBackend tags the error with the remote system it came from.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// Wrap builds an Error around a backend failure, preserving the cause.
func Wrap(kind Kind, backend string, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Backend: backend, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
// Unclassified errors are KindInternal. Context errors are classified per
// the cancellation policy: deadline expiry is KindTimeout, an explicit
// cancellation without a deadline is KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// BackendOf returns the backend name of the outermost *Error, or "".
func BackendOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Backend
	}
	return ""
}

// Detail returns the human-readable reason for the outermost *Error,
// falling back to err.Error() for unclassified errors.
func Detail(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return err.Error()
}

// FromContext classifies a context error observed after a blocking call.
func FromContext(ctx context.Context, backend string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Wrap(KindTimeout, backend, ctx.Err(), "deadline exceeded")
	}
	return Wrap(KindInternal, backend, ctx.Err(), "request cancelled")
}

// HTTPStatus maps a Kind to its wire status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRemoteUnavailable, KindRemoteRejected, KindInsufficientFunds, KindReverted:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayerr defines the error taxonomy shared by the relay's
// core subsystems and the HTTP shell. Every failure a handler can
// surface maps to exactly one Kind, and every Kind maps to a stable
// HTTP status and a short machine-parseable code.
//
// The taxonomy deliberately collapses credential and capability
// failures into coarse kinds (Unauthorized, PermissionDenied) so that
// error payloads never reveal which authentication factor failed.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The zero value is Internal.
type Kind int

const (
	// Internal is an unexpected server-side failure.
	Internal Kind = iota

	// Validation is malformed or oversized input. Retrying the same
	// request cannot succeed; the client must fix it.
	Validation

	// NotFound is an unknown link token, request id, or challenge.
	NotFound

	// Unauthorized is a credential failure on an authenticated
	// operation.
	Unauthorized

	// PermissionDenied is a capability failure: the caller is known
	// but not allowed to perform the operation.
	PermissionDenied

	// RateLimited is a transient rejection; the caller should retry
	// after a backoff.
	RateLimited

	// Conflict is an operation against state that has already moved
	// on, such as responding to an already-processed request.
	Conflict

	// PayloadTooLarge is an oversized message payload or metadata.
	PayloadTooLarge

	// StoreUnavailable is a backing-store infrastructure failure. It
	// is always surfaced, never silently swallowed as success.
	StoreUnavailable
)

// Error is a classified relay error. Message is safe for clients;
// it never contains secrets or store internals. Hint optionally
// carries a follow-up action code (e.g. "request_permission").
type Error struct {
	Kind    Kind
	Message string
	Hint    string

	// Err is the wrapped cause, if any. Not included in client
	// payloads.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without exposing its text to
// clients: Message is what the client sees, err is what gets logged.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Store wraps a backing-store failure as StoreUnavailable.
func Store(err error) *Error {
	return &Error{Kind: StoreUnavailable, Message: "storage unavailable", Err: err}
}

// KindOf extracts the Kind from err. Unclassified errors report
// Internal.
func KindOf(err error) Kind {
	var relayError *Error
	if errors.As(err, &relayError) {
		return relayError.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to its stable HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-parseable reason string for a Kind.
func (k Kind) Code() string {
	switch k {
	case Validation:
		return "validation_error"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case PermissionDenied:
		return "permission_denied"
	case RateLimited:
		return "rate_limited"
	case Conflict:
		return "conflict"
	case PayloadTooLarge:
		return "payload_too_large"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package errors defines the typed error taxonomy shared across the
// control plane and the HTTP status codes each kind maps to.
package errors

import "net/http"

// Kind is a closed set of error categories. Handlers return typed
// errors built from these kinds; the HTTP boundary maps a Kind to a
// status code rather than inspecting error strings.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindUpstreamFailure
	KindTimeout
)

// Error is the concrete error type returned by every component. Msg is
// safe to surface to API clients; Cause, when set, is logged but never
// serialised.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Conflict(msg string) *Error       { return New(KindConflict, msg) }
func InvalidInput(msg string) *Error   { return New(KindInvalidInput, msg) }
func Unauthorized(msg string) *Error   { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error      { return New(KindForbidden, msg) }
func Timeout(msg string) *Error        { return New(KindTimeout, msg) }
func Internal(msg string, cause error) *Error {
	return Wrap(KindInternal, msg, cause)
}
func Upstream(msg string, cause error) *Error {
	return Wrap(KindUpstreamFailure, msg, cause)
}

// StatusCode maps an error's Kind to the HTTP status the API boundary
// should respond with. Errors not produced by this package map to 500.
func StatusCode(err error) int {
	var e *Error
	if !As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// As is a small local stand-in for the stdlib errors.As, specialised
// to *Error, so that callers of this package never need to import both
// this package and the standard library under the same name. It walks
// the single-error Unwrap chain only.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

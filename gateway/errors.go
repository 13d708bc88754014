// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is a malformed inbound request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "gateway: invalid request: " + e.Reason
}

// ErrUnauthorized is returned when a shared secret is configured and the
// request's token does not match it.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// ProtocolError is a failed homeserver interaction during dispatch.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// statusFor maps a dispatch error to its HTTP status code.
func statusFor(err error) int {
	var validation *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

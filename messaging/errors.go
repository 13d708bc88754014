// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// MatrixError is a structured error response from the homeserver.
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeNotFound { ... }
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrix error codes the gateway distinguishes.
const (
	ErrCodeForbidden       = "M_FORBIDDEN"
	ErrCodeUnknownToken    = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound        = "M_NOT_FOUND"
	ErrCodeUserInUse       = "M_USER_IN_USE"
	ErrCodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	ErrCodeUserDeactivated = "M_USER_DEACTIVATED"
	ErrCodeInvalidUsername = "M_INVALID_USERNAME"
)

// IsMatrixError reports whether err wraps a *MatrixError with code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == code
}

// ErrorKind is the closed set of failure categories callers branch on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindAccountNotFound means login failed because the account does
	// not exist (or the homeserver will not say otherwise).
	KindAccountNotFound
	KindForbidden
	KindUserInUse
	KindNotFound
	KindRateLimited
	KindUnknownToken
	// KindTransport covers failures before a response arrived.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindAccountNotFound:
		return "account-not-found"
	case KindForbidden:
		return "forbidden"
	case KindUserInUse:
		return "user-in-use"
	case KindNotFound:
		return "not-found"
	case KindRateLimited:
		return "rate-limited"
	case KindUnknownToken:
		return "unknown-token"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error attaches a kind decided by the operation to an underlying
// error. Login uses it to reinterpret M_FORBIDDEN.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("messaging: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. An explicit *Error wins; otherwise the
// errcode of a wrapped *MatrixError decides; otherwise network and
// context failures are KindTransport.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		switch matrixErr.Code {
		case ErrCodeForbidden:
			return KindForbidden
		case ErrCodeUserInUse:
			return KindUserInUse
		case ErrCodeNotFound:
			return KindNotFound
		case ErrCodeLimitExceeded:
			return KindRateLimited
		case ErrCodeUnknownToken:
			return KindUnknownToken
		}
		if matrixErr.StatusCode == http.StatusTooManyRequests {
			return KindRateLimited
		}
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindUnknown
}

// classifyLogin maps the homeserver's answer for a nonexistent user.
// Synapse and Conduit both answer 403 M_FORBIDDEN for an unknown user
// and for a wrong password alike; registration then disambiguates,
// failing with M_USER_IN_USE when the account does exist.
func classifyLogin(err error) error {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) && matrixErr.StatusCode == http.StatusForbidden && matrixErr.Code == ErrCodeForbidden {
		return &Error{Kind: KindAccountNotFound, Op: "login", Err: err}
	}
	return err
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds reads of HTTP bodies so a misbehaving
// homeserver or client cannot exhaust memory.
package netutil

import (
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API responses from the homeserver.
const MaxResponseSize int64 = 64 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds the
// limit.
type ErrTooLarge struct {
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("body exceeds %d bytes", e.Limit)
}

// ReadResponse reads a JSON API response body, truncating silently at
// MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ReadLimited reads body and fails with *ErrTooLarge when it holds more
// than limit bytes. Used for media downloads, where a truncated avatar
// would compare unequal and trigger a pointless re-upload.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &ErrTooLarge{Limit: limit}
	}
	return data, nil
}

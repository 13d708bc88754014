// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadLimited(t *testing.T) {
	data, err := ReadLimited(strings.NewReader("12345"), 5)
	if err != nil {
		t.Fatalf("ReadLimited at limit: %v", err)
	}
	if string(data) != "12345" {
		t.Errorf("got %q", data)
	}

	_, err = ReadLimited(strings.NewReader("123456"), 5)
	var tooLarge *ErrTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("over limit: got %v, want *ErrTooLarge", err)
	}
	if tooLarge.Limit != 5 {
		t.Errorf("Limit = %d, want 5", tooLarge.Limit)
	}
}

func TestReadResponse(t *testing.T) {
	data, err := ReadResponse(strings.NewReader(`{"ok":true}`))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("got %q", data)
	}
}

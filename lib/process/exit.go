// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds binary entrypoint helpers.
package process

import (
	"fmt"
	"os"
)

// Fatal prints "error: err" to stderr and exits 1. main uses it for
// errors returned before the structured logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials outside the Go heap.
//
// The gateway keeps three kinds of secret material for the lifetime of
// the process: the shared account password (used for the main account
// and every per-title account), the access token of each logged-in
// account, and the inbound application token. Each lives in a [Buffer]
// backed by an anonymous mmap region that is locked against swap and
// excluded from core dumps. Close zeros and unmaps the region.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer
//   - [NewFromBytes] copies into protected memory and zeros the source
//   - [NewFromString] copies a string that arrived from flags or the
//     environment
//   - [ReadFromPath] reads a file (or stdin for "-") and trims it
//
// [Buffer.Equal] compares in constant time and is what request
// authentication uses.
package secret

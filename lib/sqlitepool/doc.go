// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the pragmas the
// gateway's on-disk state expects.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, do their work, and [Pool.Put] it back; a connection is
// never shared between goroutines. Every connection gets WAL journaling,
// synchronous=NORMAL and a five second busy timeout before the
// caller's [Config.OnConnect] hook runs (typically schema creation).
//
// The gateway's store is small: one row per account. The pool defaults
// to two connections, enough for the background sync loop to persist
// a sync token while a request path reads device state.
package sqlitepool

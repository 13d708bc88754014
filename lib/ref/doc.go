// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines validated Matrix identifiers.
//
// [UserID], [RoomID], [EventID] and [ContentURI] are immutable value
// types with unexported fields. They are parsed once at the boundary
// (configuration, homeserver responses) and passed around typed, so a
// room ID can never be handed to a parameter expecting a user ID. All
// of them implement encoding.TextMarshaler and encoding.TextUnmarshaler
// and round-trip through JSON and CBOR as plain strings.
//
// [ValidateLocalpart] checks the character set the Matrix
// specification allows in user localparts; the gateway uses it to
// reject an account prefix that could never produce a registrable
// account.
package ref

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the binary encoding for records the gateway keeps on
// disk. It wraps fxamacker/cbor with Core Deterministic Encoding
// (RFC 8949 §4.2) so the same record always produces the same bytes,
// which lets the session store skip rewrites of unchanged key material.
//
// Types implementing encoding.TextMarshaler, such as ref.UserID, encode
// as CBOR text strings.
package codec

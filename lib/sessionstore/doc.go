// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore persists per-account Matrix device state in a
// SQLite database: the device ID an account last logged in as, its
// device key material, and the most recent sync token.
//
// Key material is CBOR-encoded (lib/codec) and sealed with a passphrase
// (lib/sealed, age scrypt) before it touches disk. The gateway seals
// with the shared account password, so the database alone does not
// reveal device keys. When the passphrase no longer opens a record, the
// record is treated as a fresh device rather than an error: the account
// logs in as a new device with new keys.
//
// [Store] implements messaging.DeviceStore.
package sessionstore

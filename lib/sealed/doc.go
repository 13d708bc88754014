// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts device key material before it is written to
// the session store.
//
// Every account the gateway operates shares one password, so that
// password is also the passphrase: [Seal] encrypts to an age scrypt
// recipient derived from it and [Open] decrypts with the matching
// scrypt identity. Decrypted plaintext is returned in a
// [secret.Buffer].
//
// The scrypt work factor is chosen by the caller. [DefaultWorkFactor]
// keeps startup fast enough to unseal one record per per-title account
// without noticeable delay; tests pass a small value.
package sealed

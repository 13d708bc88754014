// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/pushmatrix/lib/secret"
)

// DefaultWorkFactor is the scrypt log2(N) used for stored key material.
const DefaultWorkFactor = 15

// maxWorkFactor bounds what Open will accept from a stored header.
const maxWorkFactor = 22

// ErrEmptyPassphrase is returned when the passphrase buffer is nil or
// empty.
var ErrEmptyPassphrase = errors.New("sealed: passphrase is empty")

// Seal encrypts plaintext to an age scrypt recipient derived from
// passphrase. The passphrase is borrowed and not closed.
func Seal(plaintext []byte, passphrase *secret.Buffer, workFactor int) ([]byte, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, ErrEmptyPassphrase
	}
	if workFactor <= 0 || workFactor > maxWorkFactor {
		return nil, fmt.Errorf("sealed: work factor %d out of range 1..%d", workFactor, maxWorkFactor)
	}

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal. The returned buffer must
// be closed by the caller. A wrong passphrase yields an error wrapping
// age's *age.NoIdentityMatchError.
func Open(ciphertext []byte, passphrase *secret.Buffer) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, ErrEmptyPassphrase
	}

	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt identity: %w", err)
	}
	identity.SetMaxWorkFactor(maxWorkFactor)

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed: decrypted payload is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

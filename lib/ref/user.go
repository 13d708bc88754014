// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a Matrix user ID such as "@pushmatrix:example.org".
//
// Parsing checks structure only, so historical user IDs with
// characters outside the modern localpart set are still accepted when
// they come back from a homeserver. [NewUserID] is stricter and is
// used for accounts the gateway creates itself.
type UserID struct {
	id string
}

// ParseUserID validates the "@localpart:server" form.
func ParseUserID(raw string) (UserID, error) {
	if len(raw) > maxUserIDLength {
		return UserID{}, fmt.Errorf("invalid Matrix user ID: %d bytes exceeds %d", len(raw), maxUserIDLength)
	}
	if _, _, err := parsePrefixedID(raw, '@', "Matrix user ID"); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is ParseUserID for known-valid literals. Panics on
// error.
func MustParseUserID(raw string) UserID {
	userID, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return userID
}

// NewUserID builds "@localpart:server" after validating localpart
// against the registrable character set.
func NewUserID(localpart, server string) (UserID, error) {
	if err := ValidateLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	if server == "" {
		return UserID{}, fmt.Errorf("server name is empty")
	}
	return ParseUserID("@" + localpart + ":" + server)
}

func (u UserID) String() string { return u.id }

// IsZero reports whether u is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and the first ':'. Panics on
// the zero value.
func (u UserID) Localpart() string {
	localpart, _ := u.split()
	return localpart
}

// Server returns the part after the first ':'. Panics on the zero
// value.
func (u UserID) Server() string {
	_, server := u.split()
	return server
}

func (u UserID) split() (string, string) {
	if u.id == "" {
		panic("ref: UserID accessor called on zero value")
	}
	localpart, server, err := parsePrefixedID(u.id, '@', "Matrix user ID")
	if err != nil {
		panic(fmt.Sprintf("ref: UserID %q failed to re-parse: %v", u.id, err))
	}
	return localpart, server
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields
// the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

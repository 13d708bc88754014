// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a Matrix event ID. Room versions 4 and later use
// "$base64hash" with no server suffix, so the only structural check is
// the '$' sigil followed by at least one character.
type EventID struct {
	id string
}

// ParseEventID validates the '$' prefix.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' || len(raw) < 2 {
		return EventID{}, fmt.Errorf("event ID must be '$' followed by an opaque value: %q", raw)
	}
	return EventID{id: raw}, nil
}

func (e EventID) String() string { return e.id }

func (e EventID) IsZero() bool { return e.id == "" }

func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.id), nil
}

func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

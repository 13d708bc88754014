// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
)

// DeviceState is what survives a restart for one account.
type DeviceState struct {
	// Username is the login name the state is keyed by.
	Username  string
	UserID    ref.UserID
	DeviceID  string
	Keys      *DeviceKeyMaterial
	SyncToken string
}

// DeviceStore persists DeviceState. LoadDevice returns (nil, nil) for an
// unknown username.
type DeviceStore interface {
	LoadDevice(ctx context.Context, username string) (*DeviceState, error)
	SaveDevice(ctx context.Context, state DeviceState) error
	SaveSyncToken(ctx context.Context, username, token string) error
}

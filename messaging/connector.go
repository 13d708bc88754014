// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/pushmatrix/lib/secret"
)

// ConnectorConfig holds what every account created by a Connector shares.
type ConnectorConfig struct {
	Client *Client
	// Password is used for every account. Not closed by the Connector.
	Password *secret.Buffer
	// RegistrationToken, when non-nil, completes registration with the
	// m.login.registration_token stage.
	RegistrationToken *secret.Buffer
	DeviceDisplayName string
	// Store persists device state. Nil disables persistence: every
	// start is a new device with new keys.
	Store  DeviceStore
	Logger *slog.Logger
}

// Connector establishes Accounts by username.
type Connector struct {
	config ConnectorConfig
	logger *slog.Logger
}

// NewConnector validates config and returns a Connector.
func NewConnector(config ConnectorConfig) (*Connector, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("messaging: connector requires a Client")
	}
	if config.Password == nil {
		return nil, fmt.Errorf("messaging: connector requires a password")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{config: config, logger: logger}, nil
}

// Login logs in as username, reusing the stored device when there is one.
// An unknown account fails with KindAccountNotFound.
func (c *Connector) Login(ctx context.Context, username string) (*Account, error) {
	stored, err := c.load(ctx, username)
	if err != nil {
		return nil, err
	}
	request := LoginRequest{
		Username:                 username,
		Password:                 c.config.Password,
		InitialDeviceDisplayName: c.config.DeviceDisplayName,
	}
	if stored != nil {
		request.DeviceID = stored.DeviceID
	}
	session, err := c.config.Client.Login(ctx, request)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, username, session, stored)
}

// Register creates the account and logs it in as a new device.
func (c *Connector) Register(ctx context.Context, username string) (*Account, error) {
	session, err := c.config.Client.Register(ctx, RegisterRequest{
		Username:                 username,
		Password:                 c.config.Password,
		RegistrationToken:        c.config.RegistrationToken,
		InitialDeviceDisplayName: c.config.DeviceDisplayName,
	})
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, username, session, nil)
}

func (c *Connector) load(ctx context.Context, username string) (*DeviceState, error) {
	if c.config.Store == nil {
		return nil, nil
	}
	stored, err := c.config.Store.LoadDevice(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("messaging: loading device state for %s: %w", username, err)
	}
	return stored, nil
}

// establish builds the Account. Stored keys and sync token carry over
// only when the homeserver kept the same device; a new device starts
// from fresh keys and an initial sync.
func (c *Connector) establish(ctx context.Context, username string, session *DirectSession, stored *DeviceState) (*Account, error) {
	var keys *DeviceKeyMaterial
	syncToken := ""
	if stored != nil && stored.DeviceID == session.DeviceID() && stored.Keys != nil && stored.Keys.DeviceID == session.DeviceID() {
		keys = stored.Keys
		syncToken = stored.SyncToken
		c.logger.Debug("restored device state", "user_id", session.UserID(), "device_id", session.DeviceID())
	} else {
		var err error
		keys, err = GenerateDeviceKeys(session.DeviceID())
		if err != nil {
			session.Close()
			return nil, err
		}
	}

	account := newAccount(session, username, c.config.Store, keys, syncToken, c.logger)
	if err := account.persistDevice(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return account, nil
}

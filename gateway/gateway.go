// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/pushmatrix/lib/clock"
	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// healthGrace is added to three sync timeouts to decide staleness.
const healthGrace = 30 * time.Second

// Config holds everything a Gateway needs besides its Connector.
type Config struct {
	// MainUsername is the login name of the main identity.
	MainUsername string
	DisplayName  string

	RoomName   string
	Recipients []ref.UserID

	PerTitle   bool
	Prefix     string
	AvatarsDir string

	// MessageType is messaging.MsgTypeText or messaging.MsgTypeNotice.
	MessageType string
	Markdown    bool
	AppToken    *secret.Buffer

	SyncTimeout time.Duration
	Clock       clock.Clock
}

// Health is a snapshot of the background sync's liveness.
type Health struct {
	Healthy  bool
	LastSync time.Time
}

// Gateway is the running relay: the main identity, the room, and the
// components that dispatch into it.
type Gateway struct {
	config    Config
	connector Connector
	clock     clock.Clock
	logger    *slog.Logger

	main     *Identity
	registry *Registry
	avatars  *AvatarSynchronizer

	// rooms and router are set by Start.
	rooms  *RoomCoordinator
	router *Router

	lastSync  atomic.Int64
	closeOnce sync.Once
}

// New validates config and builds a Gateway. Nothing touches the
// homeserver until Start.
func New(config Config, connector Connector, logger *slog.Logger) (*Gateway, error) {
	if connector == nil {
		return nil, errors.New("gateway: connector is required")
	}
	if config.MainUsername == "" {
		return nil, errors.New("gateway: main username is required")
	}
	if config.RoomName == "" {
		return nil, errors.New("gateway: room name is required")
	}
	if config.MessageType == "" {
		config.MessageType = messaging.MsgTypeText
	}
	if config.MessageType != messaging.MsgTypeText && config.MessageType != messaging.MsgTypeNotice {
		return nil, fmt.Errorf("gateway: unsupported message type %q", config.MessageType)
	}
	if config.SyncTimeout <= 0 {
		return nil, errors.New("gateway: sync timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	gatewayClock := config.Clock
	if gatewayClock == nil {
		gatewayClock = clock.Real()
	}

	avatars := NewAvatarSynchronizer(config.AvatarsDir, logger)
	return &Gateway{
		config:    config,
		connector: connector,
		clock:     gatewayClock,
		logger:    logger,
		main:      newIdentity("", config.MainUsername),
		avatars:   avatars,
		registry: NewRegistry(RegistryConfig{
			Connector: connector,
			Prefix:    config.Prefix,
			Avatars:   avatars,
			Logger:    logger,
		}),
	}, nil
}

// Start establishes the main identity and resolves the room. Any error
// is fatal to the process.
func (g *Gateway) Start(ctx context.Context) error {
	g.main.mu.Lock()
	defer g.main.mu.Unlock()

	g.main.setState(Authenticating)
	session, err := connect(ctx, g.connector, g.main.Username)
	if err != nil {
		g.main.setState(Failed)
		return fmt.Errorf("gateway: main session: %w", err)
	}
	g.main.session = session

	if err := g.startMain(ctx, session); err != nil {
		g.main.setState(Failed)
		return err
	}
	g.main.setState(Active)
	g.main.setMembership(Joined)
	g.markSynced()

	g.router = NewRouter(g.main, g.registry, g.rooms, RouterConfig{
		PerTitle:  g.config.PerTitle,
		AppToken:  g.config.AppToken,
		Formatter: NewFormatter(g.config.MessageType, g.config.Markdown),
		Logger:    g.logger,
	})
	g.logger.Info("gateway started",
		"user_id", session.UserID(),
		"room_id", g.rooms.RoomID(),
		"per_title", g.config.PerTitle,
	)
	return nil
}

func (g *Gateway) startMain(ctx context.Context, session Session) error {
	if err := runKeyHooks(ctx, session); err != nil {
		return fmt.Errorf("gateway: main key management: %w", err)
	}
	if err := session.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
		return fmt.Errorf("gateway: main initial sync: %w", err)
	}
	if g.config.DisplayName != "" {
		if err := session.SetDisplayName(ctx, g.config.DisplayName); err != nil {
			return fmt.Errorf("gateway: main display name: %w", err)
		}
	}

	g.rooms = NewRoomCoordinator(session, RoomConfig{
		Name:       g.config.RoomName,
		Recipients: g.config.Recipients,
		Logger:     g.logger,
	})
	if _, err := g.rooms.EnsureRoom(ctx); err != nil {
		return fmt.Errorf("gateway: room: %w", err)
	}
	if err := runKeyHooks(ctx, session); err != nil {
		return fmt.Errorf("gateway: main key management: %w", err)
	}

	path, _ := g.avatars.FindAvatarFile(g.config.DisplayName)
	g.avatars.Sync(ctx, session, path)
	return nil
}

// Router returns the dispatcher. Nil before Start succeeds.
func (g *Gateway) Router() *Router { return g.router }

// RoomID returns the resolved room.
func (g *Gateway) RoomID() ref.RoomID {
	if g.rooms == nil {
		return ref.RoomID{}
	}
	return g.rooms.RoomID()
}

// RunSync long-polls the main session until ctx ends, running pending
// key operations after each sync. It returns nil on cancellation and the
// first error otherwise.
func (g *Gateway) RunSync(ctx context.Context) error {
	session := g.main.Session()
	if session == nil {
		return errors.New("gateway: RunSync before Start")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := session.Sync(ctx, messaging.SyncRequest{Timeout: g.config.SyncTimeout})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: background sync: %w", err)
		}
		g.markSynced()
		if err := runKeyHooks(ctx, session); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: background key management: %w", err)
		}
	}
}

func (g *Gateway) markSynced() {
	g.lastSync.Store(g.clock.Now().UnixNano())
}

// Health reports whether the main session synced recently: within three
// sync timeouts plus a grace period.
func (g *Gateway) Health() Health {
	nanos := g.lastSync.Load()
	if nanos == 0 {
		return Health{}
	}
	last := time.Unix(0, nanos)
	limit := 3*g.config.SyncTimeout + healthGrace
	return Health{
		Healthy:  g.clock.Now().Sub(last) <= limit,
		LastSync: last,
	}
}

// Close logs out and releases the main identity and every virtual
// identity. It runs once; later calls return immediately. Failures are
// logged and never stop the remaining teardown.
func (g *Gateway) Close(ctx context.Context) {
	g.closeOnce.Do(func() {
		g.main.mu.Lock()
		g.main.teardown(ctx, g.logger)
		g.main.mu.Unlock()

		g.registry.Close(ctx)
		g.logger.Info("gateway closed")
	})
}

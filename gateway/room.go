// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// Power levels for a room the gateway creates. The main identity is the
// only administrator; anyone at the default level may post messages.
const (
	adminPowerLevel   = 100
	defaultPowerLevel = 10
	redactPowerLevel  = 50
)

// RoomConfig configures a RoomCoordinator.
type RoomConfig struct {
	// Name is the room's display name; existing rooms are found by it.
	Name       string
	Recipients []ref.UserID
	Logger     *slog.Logger
}

// RoomCoordinator keeps the gateway room present with the required
// members. The room ID is resolved once by EnsureRoom and never
// changes afterwards.
type RoomCoordinator struct {
	main       Session
	name       string
	recipients []ref.UserID
	logger     *slog.Logger

	mu     sync.Mutex
	roomID ref.RoomID
}

// NewRoomCoordinator returns a coordinator acting as main.
func NewRoomCoordinator(main Session, config RoomConfig) *RoomCoordinator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomCoordinator{
		main:       main,
		name:       config.Name,
		recipients: lo.Uniq(config.Recipients),
		logger:     logger,
	}
}

// RoomID returns the resolved room, or the zero RoomID before EnsureRoom
// succeeds.
func (c *RoomCoordinator) RoomID() ref.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// EnsureRoom finds the main identity's joined room with the configured
// name, inviting any recipient who is not a member, or creates it. When
// several joined rooms share the name, the lowest room ID wins. Every
// missing recipient is attempted; the returned error joins all invite
// failures.
func (c *RoomCoordinator) EnsureRoom(ctx context.Context) (ref.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.roomID.IsZero() {
		return c.roomID, nil
	}

	for _, room := range c.main.JoinedRooms() {
		if room.Name != c.name {
			continue
		}
		if err := c.inviteMissing(ctx, room.ID); err != nil {
			return ref.RoomID{}, err
		}
		c.roomID = room.ID
		c.logger.Info("using existing room", "room_id", room.ID, "name", c.name)
		return room.ID, nil
	}

	roomID, err := c.createRoom(ctx)
	if err != nil {
		return ref.RoomID{}, err
	}
	c.roomID = roomID
	return roomID, nil
}

func (c *RoomCoordinator) inviteMissing(ctx context.Context, roomID ref.RoomID) error {
	members, err := c.main.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("gateway: listing members of %s: %w", roomID, err)
	}
	missing := lo.Without(c.recipients, members...)

	var failures []error
	for _, recipient := range missing {
		if err := c.main.InviteUser(ctx, roomID, recipient); err != nil {
			c.logger.Error("inviting recipient failed", "room_id", roomID, "user_id", recipient, "error", err)
			failures = append(failures, fmt.Errorf("inviting %s: %w", recipient, err))
			continue
		}
		c.logger.Info("invited recipient", "room_id", roomID, "user_id", recipient)
	}
	return errors.Join(failures...)
}

func (c *RoomCoordinator) createRoom(ctx context.Context) (ref.RoomID, error) {
	mainUser := c.main.UserID()
	invite := lo.Filter(c.recipients, func(user ref.UserID, _ int) bool {
		return user != mainUser
	})

	request := messaging.CreateRoomRequest{
		Name:       c.name,
		Visibility: "private",
		Preset:     "private_chat",
		Invite:     invite,
		InitialState: []messaging.StateEvent{{
			Type:    messaging.EventTypeEncryption,
			Content: map[string]string{"algorithm": messaging.MegolmAlgorithm},
		}},
		PowerLevelContentOverride: powerLevels(mainUser),
	}

	roomID, err := c.main.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("gateway: creating room %q: %w", c.name, err)
	}
	c.logger.Info("created room", "room_id", roomID, "name", c.name, "invited", len(invite))

	if err := c.main.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
		return ref.RoomID{}, fmt.Errorf("gateway: syncing after room creation: %w", err)
	}
	return roomID, nil
}

func powerLevels(admin ref.UserID) map[string]any {
	return map[string]any{
		"users":          map[string]int{admin.String(): adminPowerLevel},
		"users_default":  defaultPowerLevel,
		"events_default": defaultPowerLevel,
		"events": map[string]int{
			messaging.EventTypeMessage: defaultPowerLevel,
		},
		"invite":        adminPowerLevel,
		"kick":          adminPowerLevel,
		"ban":           adminPowerLevel,
		"redact":        redactPowerLevel,
		"state_default": adminPowerLevel,
	}
}

// EnsureMembership brings identity into the room: invited by the main
// identity unless an invite is already pending, then joined. The caller
// holds identity.mu and the identity is Active.
func (c *RoomCoordinator) EnsureMembership(ctx context.Context, identity *Identity) error {
	if identity.Membership() == Joined {
		return nil
	}
	roomID := c.RoomID()
	if roomID.IsZero() {
		return &ProtocolError{Op: "ensuring membership", Err: errors.New("room not resolved")}
	}
	session := identity.session
	userID := session.UserID()

	if session.IsJoined(roomID) {
		identity.setMembership(Joined)
		return nil
	}

	if !session.IsInvited(roomID) {
		if err := c.main.InviteUser(ctx, roomID, userID); err != nil {
			return &ProtocolError{Op: "inviting " + userID.String(), Err: err}
		}
		if err := session.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
			return &ProtocolError{Op: "syncing " + userID.String() + " after invite", Err: err}
		}
	}
	identity.setMembership(Invited)

	if err := session.JoinRoom(ctx, roomID); err != nil {
		return &ProtocolError{Op: "joining " + userID.String(), Err: err}
	}
	if err := session.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
		return &ProtocolError{Op: "syncing " + userID.String() + " after join", Err: err}
	}
	identity.setMembership(Joined)
	c.logger.Info("identity joined room", "room_id", roomID, "user_id", userID, "title", identity.Title)
	return nil
}

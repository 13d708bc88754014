// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
)

// Event types the gateway reads or writes.
const (
	EventTypeRoomName    = "m.room.name"
	EventTypeEncryption  = "m.room.encryption"
	EventTypeMember      = "m.room.member"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypeMessage     = "m.room.message"
)

// Message types and formats for m.room.message.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	FormatHTML    = "org.matrix.custom.html"
)

// MegolmAlgorithm is the room encryption algorithm set at creation.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// LoginRequest holds parameters for password login. Password is held in
// an mmap-backed buffer the caller owns.
type LoginRequest struct {
	Username string
	Password *secret.Buffer
	// DeviceID reuses an existing device instead of creating a new one.
	DeviceID                 string
	InitialDeviceDisplayName string
}

// RegisterRequest holds parameters for registering a new Matrix account.
// RegistrationToken may be nil, in which case the dummy auth stage is used.
type RegisterRequest struct {
	Username                 string
	Password                 *secret.Buffer
	RegistrationToken        *secret.Buffer
	DeviceID                 string
	InitialDeviceDisplayName string
}

type userIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginBody struct {
	Type                     string         `json:"type"`
	Identifier               userIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

type registerBody struct {
	Username                 string         `json:"username"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
	Auth                     map[string]any `json:"auth,omitempty"`
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// CreateRoomRequest holds parameters for creating a Matrix room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Visibility                string         `json:"visibility,omitempty"`
	Preset                    string         `json:"preset,omitempty"`
	Invite                    []ref.UserID   `json:"invite,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent is a state event supplied at room creation.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// Event is a room event as delivered in sync responses.
type Event struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// SyncOptions controls a /sync request.
type SyncOptions struct {
	Since     string
	FullState bool
	// TimeoutMillis is the long-poll timeout. Zero returns immediately.
	TimeoutMillis int
}

// SyncResponse is the subset of /sync the gateway consumes.
type SyncResponse struct {
	NextBatch              string         `json:"next_batch"`
	Rooms                  RoomsSection   `json:"rooms"`
	DeviceLists            DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// RoomsSection groups rooms by membership.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom carries state and timeline for a joined room.
type JoinedRoom struct {
	State    StateSection    `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// InvitedRoom carries the stripped state of a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom marks a room the user left or was removed from.
type LeftRoom struct{}

// StateSection is a list of state events.
type StateSection struct {
	Events []Event `json:"events"`
}

// TimelineSection is a list of timeline events.
type TimelineSection struct {
	Events []Event `json:"events"`
}

// DeviceLists reports users whose device lists changed since the last sync.
type DeviceLists struct {
	Changed []ref.UserID `json:"changed,omitempty"`
	Left    []ref.UserID `json:"left,omitempty"`
}

type inviteBody struct {
	UserID ref.UserID `json:"user_id"`
}

type joinResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

type sendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

type uploadResponse struct {
	ContentURI ref.ContentURI `json:"content_uri"`
}

type displayNameBody struct {
	DisplayName string `json:"displayname"`
}

type avatarURLBody struct {
	AvatarURL string `json:"avatar_url"`
}

// JoinedMember is one entry of /joined_members.
type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type joinedMembersResponse struct {
	Joined map[ref.UserID]JoinedMember `json:"joined"`
}

type roomNameContent struct {
	Name string `json:"name"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

type encryptionContent struct {
	Algorithm string `json:"algorithm"`
}

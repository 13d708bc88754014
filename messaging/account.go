// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
)

// RoomSummary is what an Account knows about a joined room from sync.
type RoomSummary struct {
	ID        ref.RoomID
	Name      string
	Encrypted bool
	// Members maps user to their current membership ("join", "invite", ...).
	Members map[ref.UserID]string
}

func (r *RoomSummary) clone() RoomSummary {
	copied := *r
	copied.Members = make(map[ref.UserID]string, len(r.Members))
	for user, membership := range r.Members {
		copied.Members[user] = membership
	}
	return copied
}

// SyncRequest controls one Account.Sync call.
type SyncRequest struct {
	FullState bool
	Timeout   time.Duration
}

// trackedUser is a user whose device list this account follows.
type trackedUser struct {
	outdated bool
	devices  map[string]DeviceKeys
	// claimed holds one claimed one-time key per device.
	claimed map[string]SignedKey
}

// Account is a logged-in Matrix account with the client-side state a
// long-lived client keeps between requests.
type Account struct {
	session  *DirectSession
	username string
	store    DeviceStore
	logger   *slog.Logger

	// syncMu serializes /sync so the token only moves forward.
	syncMu sync.Mutex
	// keysMu serializes key upload/query/claim.
	keysMu sync.Mutex

	mu        sync.Mutex
	nextBatch string
	rooms     map[ref.RoomID]*RoomSummary
	invites   map[ref.RoomID]struct{}
	tracked   map[ref.UserID]*trackedUser
	keys      *DeviceKeyMaterial
	// oneTimeKeyCount is the server's count of our published one-time
	// keys; -1 until the server has reported it.
	oneTimeKeyCount int
}

func newAccount(session *DirectSession, username string, store DeviceStore, keys *DeviceKeyMaterial, syncToken string, logger *slog.Logger) *Account {
	return &Account{
		session:         session,
		username:        username,
		store:           store,
		logger:          logger.With("user_id", session.UserID()),
		nextBatch:       syncToken,
		rooms:           map[ref.RoomID]*RoomSummary{},
		invites:         map[ref.RoomID]struct{}{},
		tracked:         map[ref.UserID]*trackedUser{},
		keys:            keys,
		oneTimeKeyCount: -1,
	}
}

// UserID returns the account's fully-qualified user ID.
func (a *Account) UserID() ref.UserID { return a.session.UserID() }

// DeviceID returns the device this account is logged in as.
func (a *Account) DeviceID() string { return a.session.DeviceID() }

// Session returns the underlying stateless session.
func (a *Account) Session() *DirectSession { return a.session }

// Sync performs one /sync and folds the response into the account's
// state. The new sync token is persisted when a store is configured.
func (a *Account) Sync(ctx context.Context, request SyncRequest) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	a.mu.Lock()
	since := a.nextBatch
	a.mu.Unlock()

	response, err := a.session.Sync(ctx, SyncOptions{
		Since:         since,
		FullState:     request.FullState,
		TimeoutMillis: int(request.Timeout / time.Millisecond),
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.applySync(response)
	a.mu.Unlock()

	if a.store != nil && response.NextBatch != "" && response.NextBatch != since {
		if err := a.store.SaveSyncToken(ctx, a.username, response.NextBatch); err != nil {
			a.logger.Warn("persisting sync token failed", "error", err)
		}
	}
	return nil
}

// applySync must be called with mu held.
func (a *Account) applySync(response *SyncResponse) {
	if response.NextBatch != "" {
		a.nextBatch = response.NextBatch
	}

	for roomID, joined := range response.Rooms.Join {
		delete(a.invites, roomID)
		summary, ok := a.rooms[roomID]
		if !ok {
			summary = &RoomSummary{ID: roomID, Members: map[ref.UserID]string{}}
			a.rooms[roomID] = summary
		}
		for _, event := range joined.State.Events {
			applyStateEvent(summary, event)
		}
		for _, event := range joined.Timeline.Events {
			if event.StateKey != nil {
				applyStateEvent(summary, event)
			}
		}
		if summary.Encrypted {
			for user, membership := range summary.Members {
				if membership == "join" || membership == "invite" {
					a.trackUser(user)
				}
			}
		}
	}
	for roomID := range response.Rooms.Invite {
		if _, joined := a.rooms[roomID]; !joined {
			a.invites[roomID] = struct{}{}
		}
	}
	for roomID := range response.Rooms.Leave {
		delete(a.rooms, roomID)
		delete(a.invites, roomID)
	}

	for _, user := range response.DeviceLists.Changed {
		if tracked, ok := a.tracked[user]; ok {
			tracked.outdated = true
		}
	}
	for _, user := range response.DeviceLists.Left {
		delete(a.tracked, user)
	}

	if response.DeviceOneTimeKeysCount != nil {
		a.oneTimeKeyCount = response.DeviceOneTimeKeysCount[SignedCurve25519]
	}
}

func (a *Account) trackUser(user ref.UserID) {
	if user == a.session.UserID() {
		return
	}
	if _, ok := a.tracked[user]; !ok {
		a.tracked[user] = &trackedUser{outdated: true}
	}
}

func applyStateEvent(summary *RoomSummary, event Event) {
	switch event.Type {
	case EventTypeRoomName:
		var content roomNameContent
		if json.Unmarshal(event.Content, &content) == nil {
			summary.Name = content.Name
		}
	case EventTypeEncryption:
		var content encryptionContent
		if json.Unmarshal(event.Content, &content) == nil && content.Algorithm != "" {
			summary.Encrypted = true
		}
	case EventTypeMember:
		var content memberContent
		if event.StateKey == nil || json.Unmarshal(event.Content, &content) != nil {
			return
		}
		user, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return
		}
		summary.Members[user] = content.Membership
	}
}

// JoinedRooms returns a snapshot of every joined room, ordered by ID.
func (a *Account) JoinedRooms() []RoomSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	summaries := make([]RoomSummary, 0, len(a.rooms))
	for _, summary := range a.rooms {
		summaries = append(summaries, summary.clone())
	}
	slices.SortFunc(summaries, func(x, y RoomSummary) int {
		return strings.Compare(x.ID.String(), y.ID.String())
	})
	return summaries
}

// IsJoined reports whether the last sync showed roomID as joined.
func (a *Account) IsJoined(roomID ref.RoomID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.rooms[roomID]
	return ok
}

// IsInvited reports whether the last sync showed a pending invite.
func (a *Account) IsInvited(roomID ref.RoomID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.invites[roomID]
	return ok
}

// CreateRoom creates a room. The room appears in JoinedRooms after the
// next sync.
func (a *Account) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	response, err := a.session.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

func (a *Account) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	return a.session.InviteUser(ctx, roomID, userID)
}

func (a *Account) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	_, err := a.session.JoinRoom(ctx, roomID)
	return err
}

func (a *Account) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	members, err := a.session.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	users := make([]ref.UserID, 0, len(members))
	for user := range members {
		users = append(users, user)
	}
	slices.SortFunc(users, func(x, y ref.UserID) int {
		return strings.Compare(x.String(), y.String())
	})
	return users, nil
}

func (a *Account) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return a.session.SendMessage(ctx, roomID, content)
}

// GetDisplayName returns this account's own display name.
func (a *Account) GetDisplayName(ctx context.Context) (string, error) {
	return a.session.GetDisplayName(ctx, a.session.UserID())
}

func (a *Account) SetDisplayName(ctx context.Context, displayName string) error {
	return a.session.SetDisplayName(ctx, displayName)
}

// GetAvatarURL returns this account's own avatar URI.
func (a *Account) GetAvatarURL(ctx context.Context) (ref.ContentURI, error) {
	return a.session.GetAvatarURL(ctx, a.session.UserID())
}

func (a *Account) SetAvatarURL(ctx context.Context, uri ref.ContentURI) error {
	return a.session.SetAvatarURL(ctx, uri)
}

func (a *Account) ResolveMediaURL(uri ref.ContentURI) string {
	return a.session.ResolveMediaURL(uri)
}

func (a *Account) DownloadMedia(ctx context.Context, uri ref.ContentURI) ([]byte, error) {
	return a.session.DownloadMedia(ctx, uri)
}

func (a *Account) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (ref.ContentURI, error) {
	return a.session.UploadMedia(ctx, contentType, filename, body)
}

// Logout invalidates the access token on the homeserver.
func (a *Account) Logout(ctx context.Context) error {
	return a.session.Logout(ctx)
}

// Close releases the access token buffer.
func (a *Account) Close() error {
	return a.session.Close()
}

// ShouldUploadKeys reports whether device keys are unpublished or the
// server's one-time key stock has dropped below half the target.
func (a *Account) ShouldUploadKeys() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys == nil {
		return false
	}
	if !a.keys.Published {
		return true
	}
	return a.oneTimeKeyCount >= 0 && a.oneTimeKeyCount < OneTimeKeyTarget/2
}

// UploadKeys publishes device keys when unpublished and tops up one-time
// keys to the target.
func (a *Account) UploadKeys(ctx context.Context) error {
	a.keysMu.Lock()
	defer a.keysMu.Unlock()

	a.mu.Lock()
	if a.keys == nil {
		a.mu.Unlock()
		return fmt.Errorf("messaging: %s has no device keys", a.session.UserID())
	}
	request := KeysUploadRequest{}
	var err error
	if !a.keys.Published {
		request.DeviceKeys, err = a.keys.SignedDeviceKeys(a.session.UserID())
	}
	missing := OneTimeKeyTarget
	if a.oneTimeKeyCount > 0 {
		missing = OneTimeKeyTarget - a.oneTimeKeyCount
	}
	if err == nil && missing > 0 {
		request.OneTimeKeys, err = a.keys.GenerateOneTimeKeys(a.session.UserID(), missing)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	counts, err := a.session.UploadKeys(ctx, request)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.keys.Published = true
	a.oneTimeKeyCount = counts[SignedCurve25519]
	a.mu.Unlock()

	a.logger.Debug("uploaded device keys",
		"device_id", a.session.DeviceID(),
		"one_time_keys", len(request.OneTimeKeys),
		"server_count", counts[SignedCurve25519],
	)
	return a.persistDevice(ctx)
}

// ShouldQueryKeys reports whether any tracked user's device list is
// outdated.
func (a *Account) ShouldQueryKeys() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tracked := range a.tracked {
		if tracked.outdated {
			return true
		}
	}
	return false
}

// QueryKeys refreshes the device lists of all outdated tracked users.
// Devices whose self-signature does not verify are dropped.
func (a *Account) QueryKeys(ctx context.Context) error {
	a.keysMu.Lock()
	defer a.keysMu.Unlock()

	a.mu.Lock()
	var users []ref.UserID
	for user, tracked := range a.tracked {
		if tracked.outdated {
			users = append(users, user)
		}
	}
	a.mu.Unlock()
	if len(users) == 0 {
		return nil
	}

	response, err := a.session.QueryKeys(ctx, users)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, user := range users {
		tracked, ok := a.tracked[user]
		if !ok {
			continue
		}
		verified := map[string]DeviceKeys{}
		for deviceID, keys := range response.DeviceKeys[user] {
			if keys.UserID != user || keys.DeviceID != deviceID {
				a.logger.Warn("ignoring mismatched device keys", "user", user, "device_id", deviceID)
				continue
			}
			if err := VerifyDeviceKeys(keys); err != nil {
				a.logger.Warn("ignoring unverifiable device keys", "user", user, "device_id", deviceID, "error", err)
				continue
			}
			verified[deviceID] = keys
		}
		claimed := map[string]SignedKey{}
		for deviceID, key := range tracked.claimed {
			if _, still := verified[deviceID]; still {
				claimed[deviceID] = key
			}
		}
		tracked.devices = verified
		tracked.claimed = claimed
		tracked.outdated = false
	}
	return nil
}

// ShouldClaimKeys reports whether a known device has no claimed
// one-time key.
func (a *Account) ShouldClaimKeys() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unclaimedLocked()) > 0
}

func (a *Account) unclaimedLocked() map[ref.UserID][]string {
	pending := map[ref.UserID][]string{}
	for user, tracked := range a.tracked {
		for deviceID := range tracked.devices {
			if _, ok := tracked.claimed[deviceID]; !ok {
				pending[user] = append(pending[user], deviceID)
			}
		}
	}
	return pending
}

// ClaimKeys claims one one-time key for every device without one.
// Devices the homeserver has no keys for are marked with an empty key
// so they are not claimed again until their device list changes.
func (a *Account) ClaimKeys(ctx context.Context) error {
	a.keysMu.Lock()
	defer a.keysMu.Unlock()

	a.mu.Lock()
	pending := a.unclaimedLocked()
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	response, err := a.session.ClaimKeys(ctx, pending)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for user, deviceIDs := range pending {
		tracked, ok := a.tracked[user]
		if !ok {
			continue
		}
		if tracked.claimed == nil {
			tracked.claimed = map[string]SignedKey{}
		}
		for _, deviceID := range deviceIDs {
			var claimed SignedKey
			for _, key := range response.OneTimeKeys[user][deviceID] {
				claimed = key
				break
			}
			tracked.claimed[deviceID] = claimed
		}
	}
	return nil
}

// persistDevice saves the device record, including key material.
func (a *Account) persistDevice(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.mu.Lock()
	state := DeviceState{
		Username:  a.username,
		UserID:    a.session.UserID(),
		DeviceID:  a.session.DeviceID(),
		Keys:      a.keys,
		SyncToken: a.nextBatch,
	}
	// The store encodes the keys synchronously; holding mu keeps them
	// from changing underneath it.
	defer a.mu.Unlock()
	if err := a.store.SaveDevice(ctx, state); err != nil {
		return fmt.Errorf("messaging: persisting device %s: %w", state.DeviceID, err)
	}
	return nil
}

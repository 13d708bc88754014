// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
// Every method is a single HTTP round trip with no local state, so a
// DirectSession is safe for concurrent use.
//
// The access token is stored in a secret.Buffer. The caller must call
// Close when the DirectSession is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    string
}

// UserID returns the fully-qualified Matrix user ID.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID the homeserver assigned at login.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// Close releases the access token memory. Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response struct {
		UserID ref.UserID `json:"user_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Logout invalidates the access token on the homeserver. The local
// buffer is not released; call Close for that.
func (s *DirectSession) Logout(ctx context.Context) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: logout of %s failed: %w", s.userID, err)
	}
	return nil
}

// CreateRoom creates a new Matrix room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse create room response: %w", err)
	}
	return &response, nil
}

// JoinRoom joins a room by ID and returns the joined room's ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response joinResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites a user to a room.
func (s *DirectSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/invite"
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, inviteBody{UserID: userID})
	if err != nil {
		return fmt.Errorf("messaging: invite %s to %s failed: %w", userID, roomID, err)
	}
	return nil
}

// JoinedMembers returns the users currently joined to a room.
func (s *DirectSession) JoinedMembers(ctx context.Context, roomID ref.RoomID) (map[ref.UserID]JoinedMember, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/joined_members"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members of %s failed: %w", roomID, err)
	}

	var response joinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined members response: %w", err)
	}
	if response.Joined == nil {
		response.Joined = map[ref.UserID]JoinedMember{}
	}
	return response.Joined, nil
}

// SendMessage sends an m.room.message event and returns its event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendEvent sends an event of any type to a room. Each call uses a fresh
// transaction ID, so a retried HTTP request is deduplicated by the
// homeserver but two calls always produce two events.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/send/" + url.PathEscape(eventType) +
		"/" + url.PathEscape(uuid.NewString())

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send %s to %s failed: %w", eventType, roomID, err)
	}

	var response sendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs a single /sync request.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.FullState {
		query.Set("full_state", "true")
	}
	query.Set("timeout", strconv.Itoa(options.TimeoutMillis))

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// GetDisplayName returns a user's display name, or "" when none is set.
func (s *DirectSession) GetDisplayName(ctx context.Context, userID ref.UserID) (string, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String()) + "/displayname"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("messaging: get display name of %s failed: %w", userID, err)
	}

	var response displayNameBody
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse display name response: %w", err)
	}
	return response.DisplayName, nil
}

// SetDisplayName sets this session's display name.
func (s *DirectSession) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID.String()) + "/displayname"
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, displayNameBody{DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("messaging: set display name failed: %w", err)
	}
	return nil
}

// GetAvatarURL returns a user's avatar content URI. The zero ContentURI
// means no avatar is set.
func (s *DirectSession) GetAvatarURL(ctx context.Context, userID ref.UserID) (ref.ContentURI, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String()) + "/avatar_url"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return ref.ContentURI{}, nil
		}
		return ref.ContentURI{}, fmt.Errorf("messaging: get avatar of %s failed: %w", userID, err)
	}

	var response avatarURLBody
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: failed to parse avatar response: %w", err)
	}
	if response.AvatarURL == "" {
		return ref.ContentURI{}, nil
	}
	uri, err := ref.ParseContentURI(response.AvatarURL)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: avatar of %s: %w", userID, err)
	}
	return uri, nil
}

// SetAvatarURL sets this session's avatar to an uploaded content URI.
func (s *DirectSession) SetAvatarURL(ctx context.Context, uri ref.ContentURI) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID.String()) + "/avatar_url"
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, avatarURLBody{AvatarURL: uri.String()})
	if err != nil {
		return fmt.Errorf("messaging: set avatar failed: %w", err)
	}
	return nil
}

// UploadMedia uploads a file to the media repository and returns its
// content URI. filename may be empty.
func (s *DirectSession) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (ref.ContentURI, error) {
	var query url.Values
	if filename != "" {
		query = url.Values{"filename": {filename}}
	}
	response, err := s.client.doRequestRaw(ctx, http.MethodPost, "/_matrix/media/v3/upload", query, s.accessToken, contentType, body)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: media upload failed: %w", err)
	}

	var upload uploadResponse
	if err := json.Unmarshal(response, &upload); err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: failed to parse upload response: %w", err)
	}
	if upload.ContentURI.IsZero() {
		return ref.ContentURI{}, fmt.Errorf("messaging: upload response has no content_uri")
	}
	return upload.ContentURI, nil
}

// ResolveMediaURL returns the authenticated download URL for a content URI.
func (s *DirectSession) ResolveMediaURL(uri ref.ContentURI) string {
	return s.client.baseURL + authenticatedMediaPath(uri)
}

// DownloadMedia fetches the bytes behind a content URI. It uses the
// authenticated media endpoint and falls back to the legacy
// unauthenticated one for homeservers that predate it.
func (s *DirectSession) DownloadMedia(ctx context.Context, uri ref.ContentURI) ([]byte, error) {
	if uri.IsZero() {
		return nil, fmt.Errorf("messaging: download of empty content URI")
	}
	body, err := s.client.doRequestRaw(ctx, http.MethodGet, authenticatedMediaPath(uri), nil, s.accessToken, "", nil)
	if err == nil {
		return body, nil
	}
	if kind := KindOf(err); kind != KindNotFound && kind != KindUnknown {
		return nil, fmt.Errorf("messaging: download %s failed: %w", uri, err)
	}

	legacy := "/_matrix/media/v3/download/" + url.PathEscape(uri.Server()) + "/" + url.PathEscape(uri.MediaID())
	body, legacyErr := s.client.doRequestRaw(ctx, http.MethodGet, legacy, nil, s.accessToken, "", nil)
	if legacyErr != nil {
		return nil, fmt.Errorf("messaging: download %s failed: %w", uri, legacyErr)
	}
	return body, nil
}

func authenticatedMediaPath(uri ref.ContentURI) string {
	return "/_matrix/client/v1/media/download/" + url.PathEscape(uri.Server()) + "/" + url.PathEscape(uri.MediaID())
}

// UploadKeys publishes device keys and/or one-time keys and returns the
// server's one-time key counts by algorithm.
func (s *DirectSession) UploadKeys(ctx context.Context, request KeysUploadRequest) (map[string]int, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys upload failed: %w", err)
	}
	var response keysUploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys upload response: %w", err)
	}
	return response.OneTimeKeyCounts, nil
}

// QueryKeys fetches the device keys of the given users.
func (s *DirectSession) QueryKeys(ctx context.Context, users []ref.UserID) (*KeysQueryResponse, error) {
	request := keysQueryRequest{DeviceKeys: make(map[ref.UserID][]string, len(users))}
	for _, user := range users {
		request.DeviceKeys[user] = []string{}
	}
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys query failed: %w", err)
	}
	var response KeysQueryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one signed_curve25519 one-time key for each listed
// device.
func (s *DirectSession) ClaimKeys(ctx context.Context, devices map[ref.UserID][]string) (*KeysClaimResponse, error) {
	request := keysClaimRequest{OneTimeKeys: make(map[ref.UserID]map[string]string, len(devices))}
	for user, deviceIDs := range devices {
		perDevice := make(map[string]string, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			perDevice[deviceID] = SignedCurve25519
		}
		request.OneTimeKeys[user] = perDevice
	}
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys claim failed: %w", err)
	}
	var response KeysClaimResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys claim response: %w", err)
	}
	return &response, nil
}

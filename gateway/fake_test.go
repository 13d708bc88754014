// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// fakeServer is an in-memory homeserver shared by fake sessions.
type fakeServer struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	rooms    map[ref.RoomID]*fakeRoom
	media    map[string][]byte
	nextID   int
	calls    []string
	failures map[string]error
}

type fakeAccount struct {
	userID      ref.UserID
	displayName string
	avatar      ref.ContentURI
}

type fakeRoom struct {
	id        ref.RoomID
	name      string
	encrypted bool
	members   map[ref.UserID]string
	create    messaging.CreateRoomRequest
	messages  []sentMessage
}

type sentMessage struct {
	sender  ref.UserID
	content messaging.MessageContent
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		accounts: map[string]*fakeAccount{},
		rooms:    map[ref.RoomID]*fakeRoom{},
		media:    map[string][]byte{},
		failures: map[string]error{},
	}
}

func (s *fakeServer) userID(username string) ref.UserID {
	return ref.MustParseUserID("@" + username + ":local")
}

// addAccount creates an account as if registered earlier.
func (s *fakeServer) addAccount(username, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &fakeAccount{userID: s.userID(username), displayName: displayName}
}

// addRoom creates a room with the given joined members.
func (s *fakeServer) addRoom(id, name string, joined ...ref.UserID) ref.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := ref.MustParseRoomID(id)
	room := &fakeRoom{id: roomID, name: name, encrypted: true, members: map[ref.UserID]string{}}
	for _, user := range joined {
		room.members[user] = "join"
	}
	s.rooms[roomID] = room
	return roomID
}

func (s *fakeServer) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *fakeServer) clearFailure(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

// record logs op and returns its injected failure. Caller holds mu.
func (s *fakeServer) record(op string) error {
	s.calls = append(s.calls, op)
	return s.failures[op]
}

func (s *fakeServer) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, call := range s.calls {
		if strings.HasPrefix(call, prefix) {
			total++
		}
	}
	return total
}

func (s *fakeServer) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *fakeServer) room(roomID ref.RoomID) *fakeRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *fakeServer) account(username string) fakeAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[username]
}

func (s *fakeServer) membership(roomID ref.RoomID, user ref.UserID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].members[user]
}

func (s *fakeServer) messages(roomID ref.RoomID) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms[roomID].messages)
}

// fakeConnector logs in against a fakeServer.
type fakeConnector struct {
	server *fakeServer
	// loginDelay widens the window for concurrent-resolution tests.
	loginDelay time.Duration
}

func (c *fakeConnector) Login(ctx context.Context, username string) (Session, error) {
	if c.loginDelay > 0 {
		time.Sleep(c.loginDelay)
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("login " + username); err != nil {
		return nil, err
	}
	account, ok := c.server.accounts[username]
	if !ok {
		return nil, &messaging.Error{
			Kind: messaging.KindAccountNotFound,
			Op:   "login",
			Err:  &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: http.StatusForbidden},
		}
	}
	return newFakeSession(c.server, username, account.userID), nil
}

func (c *fakeConnector) Register(ctx context.Context, username string) (Session, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("register " + username); err != nil {
		return nil, err
	}
	if _, exists := c.server.accounts[username]; exists {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeUserInUse, StatusCode: http.StatusBadRequest}
	}
	userID := c.server.userID(username)
	// Homeservers default the display name to the localpart.
	c.server.accounts[username] = &fakeAccount{userID: userID, displayName: username}
	return newFakeSession(c.server, username, userID), nil
}

// fakeSession is one logged-in account. Room queries answer from the
// snapshot taken at the last Sync.
type fakeSession struct {
	server   *fakeServer
	username string
	userID   ref.UserID

	mu           sync.Mutex
	joined       []messaging.RoomSummary
	invited      map[ref.RoomID]bool
	keysUploaded bool
	closed       bool
}

func newFakeSession(server *fakeServer, username string, userID ref.UserID) *fakeSession {
	return &fakeSession{server: server, username: username, userID: userID, invited: map[ref.RoomID]bool{}}
}

func (f *fakeSession) UserID() ref.UserID { return f.userID }

func (f *fakeSession) Sync(ctx context.Context, request messaging.SyncRequest) error {
	if request.Timeout > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	f.server.mu.Lock()
	if err := f.server.record("sync " + f.userID.String()); err != nil {
		f.server.mu.Unlock()
		return err
	}
	var joined []messaging.RoomSummary
	invited := map[ref.RoomID]bool{}
	for _, room := range f.server.rooms {
		switch room.members[f.userID] {
		case "join":
			members := map[ref.UserID]string{}
			for user, membership := range room.members {
				members[user] = membership
			}
			joined = append(joined, messaging.RoomSummary{
				ID: room.id, Name: room.name, Encrypted: room.encrypted, Members: members,
			})
		case "invite":
			invited[room.id] = true
		}
	}
	f.server.mu.Unlock()

	slices.SortFunc(joined, func(a, b messaging.RoomSummary) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	f.mu.Lock()
	f.joined = joined
	f.invited = invited
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) JoinedRooms() []messaging.RoomSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.joined)
}

func (f *fakeSession) IsJoined(roomID ref.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.ContainsFunc(f.joined, func(room messaging.RoomSummary) bool { return room.ID == roomID })
}

func (f *fakeSession) IsInvited(roomID ref.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invited[roomID]
}

func (f *fakeSession) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("create " + request.Name); err != nil {
		return ref.RoomID{}, err
	}
	f.server.nextID++
	roomID := ref.MustParseRoomID(fmt.Sprintf("!created%d:local", f.server.nextID))
	room := &fakeRoom{id: roomID, name: request.Name, members: map[ref.UserID]string{f.userID: "join"}, create: request}
	for _, user := range request.Invite {
		room.members[user] = "invite"
	}
	for _, state := range request.InitialState {
		if state.Type == messaging.EventTypeEncryption {
			room.encrypted = true
		}
	}
	f.server.rooms[roomID] = room
	return roomID, nil
}

func (f *fakeSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("invite " + userID.String()); err != nil {
		return err
	}
	room := f.server.rooms[roomID]
	if room.members[f.userID] != "join" {
		return &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: http.StatusForbidden}
	}
	if room.members[userID] != "join" {
		room.members[userID] = "invite"
	}
	return nil
}

func (f *fakeSession) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("join " + f.userID.String()); err != nil {
		return err
	}
	room := f.server.rooms[roomID]
	if room == nil || (room.members[f.userID] != "invite" && room.members[f.userID] != "join") {
		return &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: http.StatusForbidden}
	}
	room.members[f.userID] = "join"
	return nil
}

func (f *fakeSession) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("members " + roomID.String()); err != nil {
		return nil, err
	}
	var users []ref.UserID
	for user, membership := range f.server.rooms[roomID].members {
		if membership == "join" {
			users = append(users, user)
		}
	}
	return users, nil
}

func (f *fakeSession) SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("send " + f.userID.String()); err != nil {
		return ref.EventID{}, err
	}
	room := f.server.rooms[roomID]
	if room == nil || room.members[f.userID] != "join" {
		return ref.EventID{}, &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: http.StatusForbidden}
	}
	room.messages = append(room.messages, sentMessage{sender: f.userID, content: content})
	eventID, _ := ref.ParseEventID(fmt.Sprintf("$event%d", len(room.messages)))
	return eventID, nil
}

func (f *fakeSession) GetDisplayName(ctx context.Context) (string, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("get displayname " + f.username); err != nil {
		return "", err
	}
	return f.server.accounts[f.username].displayName, nil
}

func (f *fakeSession) SetDisplayName(ctx context.Context, displayName string) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("set displayname " + f.username); err != nil {
		return err
	}
	f.server.accounts[f.username].displayName = displayName
	return nil
}

func (f *fakeSession) GetAvatarURL(ctx context.Context) (ref.ContentURI, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("get avatar " + f.username); err != nil {
		return ref.ContentURI{}, err
	}
	return f.server.accounts[f.username].avatar, nil
}

func (f *fakeSession) SetAvatarURL(ctx context.Context, uri ref.ContentURI) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("set avatar " + f.username); err != nil {
		return err
	}
	f.server.accounts[f.username].avatar = uri
	return nil
}

func (f *fakeSession) ResolveMediaURL(uri ref.ContentURI) string {
	return "https://local/_matrix/client/v1/media/download/" + uri.Server() + "/" + uri.MediaID()
}

func (f *fakeSession) DownloadMedia(ctx context.Context, uri ref.ContentURI) ([]byte, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("download " + uri.String()); err != nil {
		return nil, err
	}
	data, ok := f.server.media[uri.String()]
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: http.StatusNotFound}
	}
	return bytes.Clone(data), nil
}

func (f *fakeSession) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (ref.ContentURI, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return ref.ContentURI{}, err
	}
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if err := f.server.record("upload " + contentType); err != nil {
		return ref.ContentURI{}, err
	}
	f.server.nextID++
	uri, _ := ref.ParseContentURI(fmt.Sprintf("mxc://local/media%d", f.server.nextID))
	f.server.media[uri.String()] = data
	return uri, nil
}

func (f *fakeSession) ShouldUploadKeys() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.keysUploaded
}

func (f *fakeSession) UploadKeys(ctx context.Context) error {
	f.server.mu.Lock()
	err := f.server.record("keys upload " + f.username)
	f.server.mu.Unlock()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.keysUploaded = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ShouldQueryKeys() bool               { return false }
func (f *fakeSession) QueryKeys(ctx context.Context) error { return nil }
func (f *fakeSession) ShouldClaimKeys() bool               { return false }
func (f *fakeSession) ClaimKeys(ctx context.Context) error { return nil }

func (f *fakeSession) Logout(ctx context.Context) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	return f.server.record("logout " + f.username)
}

func (f *fakeSession) Close() error {
	f.server.mu.Lock()
	f.server.record("close " + f.username)
	f.server.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Session = (*fakeSession)(nil)

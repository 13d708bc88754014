// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"io"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// Session is one logged-in account as the gateway uses it. Sync folds
// server state into the session; the query methods (JoinedRooms,
// IsJoined, IsInvited) answer from that synced state without network
// calls. Implementations must be safe for concurrent use.
type Session interface {
	UserID() ref.UserID

	Sync(ctx context.Context, request messaging.SyncRequest) error
	JoinedRooms() []messaging.RoomSummary
	IsJoined(roomID ref.RoomID) bool
	IsInvited(roomID ref.RoomID) bool

	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
	JoinRoom(ctx context.Context, roomID ref.RoomID) error
	JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error)
	SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error)

	GetDisplayName(ctx context.Context) (string, error)
	SetDisplayName(ctx context.Context, displayName string) error
	GetAvatarURL(ctx context.Context) (ref.ContentURI, error)
	SetAvatarURL(ctx context.Context, uri ref.ContentURI) error
	ResolveMediaURL(uri ref.ContentURI) string
	DownloadMedia(ctx context.Context, uri ref.ContentURI) ([]byte, error)
	UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (ref.ContentURI, error)

	ShouldUploadKeys() bool
	UploadKeys(ctx context.Context) error
	ShouldQueryKeys() bool
	QueryKeys(ctx context.Context) error
	ShouldClaimKeys() bool
	ClaimKeys(ctx context.Context) error

	Logout(ctx context.Context) error
	Close() error
}

var _ Session = (*messaging.Account)(nil)

// Connector establishes sessions by username. Login reports an account
// that does not exist with an error for which messaging.KindOf returns
// messaging.KindAccountNotFound.
type Connector interface {
	Login(ctx context.Context, username string) (Session, error)
	Register(ctx context.Context, username string) (Session, error)
}

// MatrixConnector adapts a messaging.Connector to Connector.
type MatrixConnector struct {
	inner *messaging.Connector
}

// NewMatrixConnector wraps connector.
func NewMatrixConnector(connector *messaging.Connector) *MatrixConnector {
	return &MatrixConnector{inner: connector}
}

func (c *MatrixConnector) Login(ctx context.Context, username string) (Session, error) {
	account, err := c.inner.Login(ctx, username)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (c *MatrixConnector) Register(ctx context.Context, username string) (Session, error) {
	account, err := c.inner.Register(ctx, username)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// runKeyHooks performs whichever key operations the session reports as
// pending, in upload, query, claim order.
func runKeyHooks(ctx context.Context, session Session) error {
	if session.ShouldUploadKeys() {
		if err := session.UploadKeys(ctx); err != nil {
			return err
		}
	}
	if session.ShouldQueryKeys() {
		if err := session.QueryKeys(ctx); err != nil {
			return err
		}
	}
	if session.ShouldClaimKeys() {
		if err := session.ClaimKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}

// connect logs in as username, registering the account when the login
// reports it does not exist.
func connect(ctx context.Context, connector Connector, username string) (Session, error) {
	session, err := connector.Login(ctx, username)
	if err == nil {
		return session, nil
	}
	if messaging.KindOf(err) != messaging.KindAccountNotFound {
		return nil, err
	}
	session, registerErr := connector.Register(ctx, username)
	if registerErr != nil {
		return nil, registerErr
	}
	return session, nil
}

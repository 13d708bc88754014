// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/base32"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/pushmatrix/messaging"
)

// SessionState is where an identity is in establishing its session.
type SessionState int32

const (
	LoggedOut SessionState = iota
	Authenticating
	Active
	Failed
)

func (s SessionState) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MembershipState is an identity's membership in the gateway room.
type MembershipState int32

const (
	NotMember MembershipState = iota
	Invited
	Joined
)

func (m MembershipState) String() string {
	switch m {
	case NotMember:
		return "not-member"
	case Invited:
		return "invited"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Identity is one Matrix account the gateway sends as. The main
// identity has an empty Title.
//
// mu serializes establishment, membership changes and sends for the
// identity. State and Membership can be read without it.
type Identity struct {
	Title    string
	Username string

	mu         sync.Mutex
	session    Session
	state      atomic.Int32
	membership atomic.Int32
}

func newIdentity(title, username string) *Identity {
	return &Identity{Title: title, Username: username}
}

// State returns the identity's session state.
func (i *Identity) State() SessionState { return SessionState(i.state.Load()) }

// Membership returns the identity's cached room membership.
func (i *Identity) Membership() MembershipState { return MembershipState(i.membership.Load()) }

// Session returns the established session, or nil before the identity
// is Active.
func (i *Identity) Session() Session {
	if i.State() != Active {
		return nil
	}
	return i.session
}

func (i *Identity) setState(state SessionState) { i.state.Store(int32(state)) }

func (i *Identity) setMembership(membership MembershipState) {
	i.membership.Store(int32(membership))
}

// teardown logs the session out and releases it. Failures are logged.
// Caller holds mu.
func (i *Identity) teardown(ctx context.Context, logger *slog.Logger) {
	if i.session == nil {
		return
	}
	session := i.session
	i.setState(LoggedOut)
	i.setMembership(NotMember)
	i.session = nil

	if err := session.Logout(ctx); err != nil {
		logger.Warn("logout failed", "user_id", session.UserID(), "title", i.Title, "error", err)
	}
	if err := session.Close(); err != nil {
		logger.Warn("closing session failed", "user_id", session.UserID(), "title", i.Title, "error", err)
	}
}

var accountEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// AccountID derives the account localpart for a title: the prefix
// followed by the lowercase unpadded base32 of the title's UTF-8 bytes.
// The encoding is injective and only produces [a-z2-7], all legal in a
// Matrix localpart.
func AccountID(prefix, title string) string {
	return prefix + strings.ToLower(accountEncoding.EncodeToString([]byte(title)))
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Connector Connector
	// Prefix is prepended to every derived account ID and marks display
	// names the homeserver assigned by default.
	Prefix  string
	Avatars *AvatarSynchronizer
	Logger  *slog.Logger
}

// Registry maps titles to virtual identities, establishing each on
// first use.
type Registry struct {
	connector Connector
	prefix    string
	avatars   *AvatarSynchronizer
	logger    *slog.Logger

	mu         sync.Mutex
	identities map[string]*Identity
}

// NewRegistry returns an empty Registry.
func NewRegistry(config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connector:  config.Connector,
		prefix:     config.Prefix,
		avatars:    config.Avatars,
		logger:     logger,
		identities: map[string]*Identity{},
	}
}

// Resolve returns the Active identity for title. A cached identity is
// refreshed with a full-state sync; otherwise the account is logged in
// (or registered when it does not exist) and brought up to date. An
// identity whose establishment failed is retried on the next call.
func (r *Registry) Resolve(ctx context.Context, title string) (*Identity, error) {
	accountID := AccountID(r.prefix, title)

	r.mu.Lock()
	identity, ok := r.identities[accountID]
	if !ok {
		identity = newIdentity(title, accountID)
		r.identities[accountID] = identity
	}
	r.mu.Unlock()

	identity.mu.Lock()
	defer identity.mu.Unlock()

	if identity.State() == Active {
		if err := identity.session.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
			return nil, &ProtocolError{Op: "refreshing " + accountID, Err: err}
		}
		return identity, nil
	}

	if err := r.establish(ctx, identity); err != nil {
		identity.setState(Failed)
		return nil, err
	}
	return identity, nil
}

// establish runs with identity.mu held.
func (r *Registry) establish(ctx context.Context, identity *Identity) error {
	identity.setState(Authenticating)
	logger := r.logger.With("title", identity.Title, "username", identity.Username)

	session, err := connect(ctx, r.connector, identity.Username)
	if err != nil {
		return &ProtocolError{Op: "establishing session for " + identity.Username, Err: err}
	}
	identity.session = session

	fail := func(op string, err error) error {
		identity.teardown(ctx, logger)
		return &ProtocolError{Op: op + " for " + identity.Username, Err: err}
	}

	if err := runKeyHooks(ctx, session); err != nil {
		return fail("key management", err)
	}

	current, err := session.GetDisplayName(ctx)
	if err != nil {
		return fail("reading display name", err)
	}
	if current == "" || strings.HasPrefix(current, r.prefix) {
		if err := session.SetDisplayName(ctx, identity.Title); err != nil {
			return fail("setting display name", err)
		}
	}

	if r.avatars != nil {
		path, _ := r.avatars.FindAvatarFile(identity.Title)
		r.avatars.Sync(ctx, session, path)
	}

	if err := session.Sync(ctx, messaging.SyncRequest{FullState: true}); err != nil {
		return fail("initial sync", err)
	}

	identity.setState(Active)
	logger.Info("identity ready", "user_id", session.UserID())
	return nil
}

// Identities returns the cached identities ordered by username.
func (r *Registry) Identities() []*Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	identities := make([]*Identity, 0, len(r.identities))
	for _, identity := range r.identities {
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(a, b int) bool {
		return identities[a].Username < identities[b].Username
	})
	return identities
}

// Close logs out and releases every cached identity. Every identity is
// attempted regardless of earlier failures.
func (r *Registry) Close(ctx context.Context) {
	for _, identity := range r.Identities() {
		identity.mu.Lock()
		identity.teardown(ctx, r.logger)
		identity.mu.Unlock()
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAccountID(t *testing.T) {
	titles := []string{"", "Disk", "disk", "Disk Alerts", "Überwachung", "a/b:c", "🔥 prod"}
	seen := map[string]string{}
	for _, title := range titles {
		id := AccountID("pushmatrix_", title)
		if id != AccountID("pushmatrix_", title) {
			t.Errorf("AccountID(%q) is not deterministic", title)
		}
		if previous, clash := seen[id]; clash {
			t.Errorf("titles %q and %q map to the same account %q", previous, title, id)
		}
		seen[id] = title
		if title != "" {
			if err := ref.ValidateLocalpart(id); err != nil {
				t.Errorf("AccountID(%q) = %q is not a legal localpart: %v", title, id, err)
			}
		}
	}
	if got := AccountID("p_", "Disk"); got != "p_iruxg2y" {
		t.Errorf(`AccountID("p_", "Disk") = %q, want "p_iruxg2y"`, got)
	}
}

func newTestRegistry(server *fakeServer) *Registry {
	return NewRegistry(RegistryConfig{
		Connector: &fakeConnector{server: server},
		Prefix:    "pushmatrix_",
		Avatars:   NewAvatarSynchronizer("", quietLogger()),
		Logger:    quietLogger(),
	})
}

func TestRegistryRegistersUnknownTitle(t *testing.T) {
	server := newFakeServer()
	registry := newTestRegistry(server)
	ctx := context.Background()
	username := AccountID("pushmatrix_", "Disk")

	identity, err := registry.Resolve(ctx, "Disk")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if identity.State() != Active || identity.Session() == nil {
		t.Fatalf("identity state = %s", identity.State())
	}
	if identity.Username != username || identity.Title != "Disk" {
		t.Errorf("identity = %s/%s", identity.Username, identity.Title)
	}
	if server.count("login ") != 1 || server.count("register ") != 1 {
		t.Errorf("login/register calls = %d/%d, want 1/1", server.count("login "), server.count("register "))
	}
	if name := server.account(username).displayName; name != "Disk" {
		t.Errorf("display name = %q, want the title", name)
	}
	if server.count("keys upload") != 1 {
		t.Error("pending key upload should run during establishment")
	}

	server.resetCalls()
	again, err := registry.Resolve(ctx, "Disk")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if again != identity {
		t.Error("second resolution should return the cached identity")
	}
	if server.count("login ") != 0 || server.count("register ") != 0 {
		t.Error("cached identity must not log in again")
	}
	if server.count("sync ") != 1 {
		t.Errorf("cached identity should be refreshed by one sync, got %d", server.count("sync "))
	}
}

func TestRegistryKeepsCustomDisplayName(t *testing.T) {
	server := newFakeServer()
	username := AccountID("pushmatrix_", "Disk")
	server.addAccount(username, "Storage Team")
	registry := newTestRegistry(server)

	if _, err := registry.Resolve(context.Background(), "Disk"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if server.count("register ") != 0 {
		t.Error("existing account must not be registered")
	}
	if server.count("set displayname") != 0 {
		t.Error("a customized display name must not be overwritten")
	}
	if name := server.account(username).displayName; name != "Storage Team" {
		t.Errorf("display name = %q", name)
	}
}

func TestRegistryOverwritesDefaultDisplayName(t *testing.T) {
	server := newFakeServer()
	username := AccountID("pushmatrix_", "Disk")
	server.addAccount(username, username)
	registry := newTestRegistry(server)

	if _, err := registry.Resolve(context.Background(), "Disk"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if name := server.account(username).displayName; name != "Disk" {
		t.Errorf("display name = %q, want the title", name)
	}
}

func TestRegistryLoginFailureDoesNotRegister(t *testing.T) {
	server := newFakeServer()
	username := AccountID("pushmatrix_", "Disk")
	server.fail("login "+username, &messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, StatusCode: 429})
	registry := newTestRegistry(server)

	_, err := registry.Resolve(context.Background(), "Disk")
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if server.count("register ") != 0 {
		t.Error("only an account-not-found login may fall through to registration")
	}
}

func TestRegistryRetriesFailedIdentity(t *testing.T) {
	server := newFakeServer()
	username := AccountID("pushmatrix_", "Disk")
	server.fail("register "+username, errors.New("homeserver down"))
	registry := newTestRegistry(server)
	ctx := context.Background()

	if _, err := registry.Resolve(ctx, "Disk"); err == nil {
		t.Fatal("expected failure")
	}
	identities := registry.Identities()
	if len(identities) != 1 || identities[0].State() != Failed {
		t.Fatalf("failed identity should stay cached in state Failed")
	}

	server.clearFailure("register " + username)
	identity, err := registry.Resolve(ctx, "Disk")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if identity.State() != Active {
		t.Errorf("state after retry = %s", identity.State())
	}
}

func TestRegistryFailureAfterLoginReleasesSession(t *testing.T) {
	server := newFakeServer()
	username := AccountID("pushmatrix_", "Disk")
	server.fail("get displayname "+username, errors.New("profile unavailable"))
	registry := newTestRegistry(server)

	if _, err := registry.Resolve(context.Background(), "Disk"); err == nil {
		t.Fatal("expected failure")
	}
	if server.count("logout "+username) != 1 || server.count("close "+username) != 1 {
		t.Error("a half-established session should be logged out and closed")
	}
}

func TestRegistryConcurrentFirstResolution(t *testing.T) {
	server := newFakeServer()
	registry := NewRegistry(RegistryConfig{
		Connector: &fakeConnector{server: server, loginDelay: 5 * time.Millisecond},
		Prefix:    "pushmatrix_",
		Logger:    quietLogger(),
	})

	const workers = 8
	results := make([]*Identity, workers)
	var wait sync.WaitGroup
	for worker := range workers {
		wait.Add(1)
		go func() {
			defer wait.Done()
			identity, err := registry.Resolve(context.Background(), "Disk")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			results[worker] = identity
		}()
	}
	wait.Wait()

	if server.count("login ") != 1 || server.count("register ") != 1 {
		t.Errorf("login/register calls = %d/%d, want exactly one each",
			server.count("login "), server.count("register "))
	}
	for _, identity := range results[1:] {
		if identity != results[0] {
			t.Fatal("all resolutions should return the same identity")
		}
	}
}

func TestRegistryClose(t *testing.T) {
	server := newFakeServer()
	registry := newTestRegistry(server)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		if _, err := registry.Resolve(ctx, title); err != nil {
			t.Fatalf("Resolve(%s) failed: %v", title, err)
		}
	}
	server.fail("logout "+AccountID("pushmatrix_", "A"), errors.New("network gone"))

	registry.Close(ctx)

	if server.count("logout ") != 3 || server.count("close ") != 3 {
		t.Errorf("logout/close = %d/%d, want every identity attempted",
			server.count("logout "), server.count("close "))
	}
	for _, identity := range registry.Identities() {
		if identity.State() != LoggedOut {
			t.Errorf("%s state = %s", identity.Title, identity.State())
		}
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/testutil"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFindAvatarFile(t *testing.T) {
	dir := testutil.WriteFiles(t, t.TempDir(), map[string][]byte{
		"Disk.png": pngBytes,
		"Disk.jpg": pngBytes,
		"Backup":   pngBytes,
		"Cron.":    pngBytes,
		"disk.gif": pngBytes,
	})
	if err := os.Mkdir(filepath.Join(dir, "Mail.png"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "Disk.png"), filepath.Join(dir, "Linked.png")); err != nil {
		t.Fatal(err)
	}

	avatars := NewAvatarSynchronizer(dir, quietLogger())
	tests := []struct {
		key  string
		want string
	}{
		{"Disk", "Disk.jpg"},
		{"disk", "disk.gif"},
		{"Backup", ""},
		{"Cron", ""},
		{"Mail", ""},
		{"Linked", "Linked.png"},
		{"Nothing", ""},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			path, found := avatars.FindAvatarFile(test.key)
			if test.want == "" {
				if found {
					t.Errorf("FindAvatarFile(%q) = %q, want none", test.key, path)
				}
				return
			}
			if !found || path != filepath.Join(dir, test.want) {
				t.Errorf("FindAvatarFile(%q) = %q, %v, want %q", test.key, path, found, test.want)
			}
		})
	}
}

func TestFindAvatarFileWithoutDirectory(t *testing.T) {
	if _, found := NewAvatarSynchronizer("", quietLogger()).FindAvatarFile("Disk"); found {
		t.Error("empty directory must disable lookup")
	}
	missing := filepath.Join(t.TempDir(), "absent")
	if _, found := NewAvatarSynchronizer(missing, quietLogger()).FindAvatarFile("Disk"); found {
		t.Error("missing directory must find nothing")
	}
}

func avatarSession(t *testing.T, server *fakeServer) Session {
	t.Helper()
	server.addAccount("disk", "Disk")
	session, err := (&fakeConnector{server: server}).Login(context.Background(), "disk")
	if err != nil {
		t.Fatal(err)
	}
	server.resetCalls()
	return session
}

func TestAvatarSyncUploadsWhenUnset(t *testing.T) {
	server := newFakeServer()
	session := avatarSession(t, server)
	path := filepath.Join(t.TempDir(), "Disk.png")
	writeFile(t, path, pngBytes)

	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, path)

	if server.count("upload image/png") != 1 || server.count("set avatar disk") != 1 {
		t.Fatalf("expected upload and set, calls = %v", server.calls)
	}
	if server.count("download ") != 0 {
		t.Error("no current avatar means nothing to download")
	}
	avatar := server.account("disk").avatar
	if string(server.media[avatar.String()]) != string(pngBytes) {
		t.Error("avatar URL should point at the uploaded bytes")
	}
}

func TestAvatarSyncSkipsIdenticalBytes(t *testing.T) {
	server := newFakeServer()
	session := avatarSession(t, server)
	current, _ := ref.ParseContentURI("mxc://local/current")
	server.media[current.String()] = pngBytes
	server.accounts["disk"].avatar = current
	path := filepath.Join(t.TempDir(), "Disk.png")
	writeFile(t, path, pngBytes)

	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, path)

	if server.count("download mxc://local/current") != 1 {
		t.Errorf("current avatar should be compared, calls = %v", server.calls)
	}
	if server.count("upload ") != 0 || server.count("set avatar ") != 0 {
		t.Errorf("identical avatar must not be re-uploaded, calls = %v", server.calls)
	}
}

func TestAvatarSyncReplacesDifferentBytes(t *testing.T) {
	server := newFakeServer()
	session := avatarSession(t, server)
	current, _ := ref.ParseContentURI("mxc://local/current")
	server.media[current.String()] = []byte("old image")
	server.accounts["disk"].avatar = current
	path := filepath.Join(t.TempDir(), "Disk.JPG")
	writeFile(t, path, pngBytes)

	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, path)

	if server.count("upload image/jpeg") != 1 {
		t.Errorf("jpg should upload as image/jpeg, calls = %v", server.calls)
	}
	if server.account("disk").avatar == current {
		t.Error("avatar should be replaced")
	}
}

func TestAvatarSyncReplacesUndownloadableAvatar(t *testing.T) {
	server := newFakeServer()
	session := avatarSession(t, server)
	gone, _ := ref.ParseContentURI("mxc://local/gone")
	server.accounts["disk"].avatar = gone
	path := filepath.Join(t.TempDir(), "Disk.png")
	writeFile(t, path, pngBytes)

	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, path)

	if server.count("set avatar disk") != 1 {
		t.Errorf("unreadable avatar should be replaced, calls = %v", server.calls)
	}
}

func TestAvatarSyncAbsorbsFailures(t *testing.T) {
	server := newFakeServer()
	session := avatarSession(t, server)
	path := filepath.Join(t.TempDir(), "Disk.png")
	writeFile(t, path, pngBytes)
	server.fail("upload image/png", errors.New("media repository offline"))

	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, path)
	if server.count("set avatar ") != 0 {
		t.Error("failed upload must not set an avatar")
	}

	server.resetCalls()
	NewAvatarSynchronizer("", quietLogger()).Sync(context.Background(), session, filepath.Join(t.TempDir(), "missing.png"))
	if len(server.calls) != 0 {
		t.Errorf("unreadable file should stop before any request, calls = %v", server.calls)
	}
}

func TestAvatarContentType(t *testing.T) {
	for path, want := range map[string]string{
		"a.png":  "image/png",
		"a.jpg":  "image/jpeg",
		"a.JPEG": "image/jpeg",
		"a.webp": "image/webp",
	} {
		if got := avatarContentType(path); got != want {
			t.Errorf("avatarContentType(%q) = %q, want %q", path, got, want)
		}
	}
}

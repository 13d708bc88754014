// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// AvatarSynchronizer keeps an identity's avatar equal to an image file
// in the avatar directory. Failures never propagate: a missing or
// broken avatar must not block message delivery.
type AvatarSynchronizer struct {
	dir    string
	logger *slog.Logger
}

// NewAvatarSynchronizer looks for avatars in dir. An empty dir disables
// avatar lookup.
func NewAvatarSynchronizer(dir string, logger *slog.Logger) *AvatarSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AvatarSynchronizer{dir: dir, logger: logger}
}

// FindAvatarFile returns the first regular file, in lexicographic name
// order, whose name without extension equals key and whose extension is
// non-empty.
func (a *AvatarSynchronizer) FindAvatarFile(key string) (string, bool) {
	if a.dir == "" {
		return "", false
	}
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Debug("avatar directory unreadable", "path", a.dir, "error", err)
		return "", false
	}
	for _, entry := range entries {
		name := entry.Name()
		extension := filepath.Ext(name)
		if len(extension) <= 1 || strings.TrimSuffix(name, extension) != key {
			continue
		}
		path := filepath.Join(a.dir, name)
		// Stat follows symlinks, so a link to an image counts.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return path, true
	}
	return "", false
}

// Sync uploads candidatePath as the session's avatar unless the current
// remote avatar already has identical bytes. An empty candidatePath is a
// no-op.
func (a *AvatarSynchronizer) Sync(ctx context.Context, session Session, candidatePath string) {
	if candidatePath == "" {
		return
	}
	logger := a.logger.With("user_id", session.UserID(), "path", candidatePath)

	candidate, err := os.ReadFile(candidatePath)
	if err != nil {
		logger.Warn("reading avatar failed", "error", err)
		return
	}

	current, err := session.GetAvatarURL(ctx)
	if err != nil {
		logger.Warn("reading current avatar failed", "error", err)
		return
	}
	if !current.IsZero() {
		remote, err := session.DownloadMedia(ctx, current)
		switch {
		case err != nil:
			logger.Warn("downloading current avatar failed, replacing it",
				"avatar_url", session.ResolveMediaURL(current),
				"error", err,
			)
		case bytes.Equal(remote, candidate):
			logger.Debug("avatar up to date")
			return
		}
	}

	contentType := avatarContentType(candidatePath)
	if detected := mimetype.Detect(candidate); !detected.Is(contentType) {
		logger.Warn("avatar content does not match its extension",
			"content_type", contentType,
			"detected", detected.String(),
		)
	}

	uri, err := session.UploadMedia(ctx, contentType, filepath.Base(candidatePath), bytes.NewReader(candidate))
	if err != nil {
		logger.Warn("uploading avatar failed", "error", err)
		return
	}
	if err := session.SetAvatarURL(ctx, uri); err != nil {
		logger.Warn("setting avatar failed", "error", err)
		return
	}
	logger.Info("avatar updated", "avatar_url", session.ResolveMediaURL(uri))
}

// avatarContentType derives image/<ext> from the file extension, with
// jpg normalized to jpeg.
func avatarContentType(path string) string {
	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if extension == "jpg" {
		extension = "jpeg"
	}
	return "image/" + extension
}

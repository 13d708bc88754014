// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

const contentURIScheme = "mxc://"

// ContentURI is a Matrix media reference "mxc://server/mediaID", as
// returned by media upload and stored in avatar_url profile fields.
type ContentURI struct {
	server  string
	mediaID string
}

// ParseContentURI validates the mxc:// form. The media ID may not
// contain '/'.
func ParseContentURI(raw string) (ContentURI, error) {
	rest, ok := strings.CutPrefix(raw, contentURIScheme)
	if !ok {
		return ContentURI{}, fmt.Errorf("content URI %q: must start with %s", raw, contentURIScheme)
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return ContentURI{}, fmt.Errorf("content URI %q: want mxc://server/media-id", raw)
	}
	if strings.Contains(mediaID, "/") {
		return ContentURI{}, fmt.Errorf("content URI %q: media ID contains '/'", raw)
	}
	return ContentURI{server: server, mediaID: mediaID}, nil
}

func (c ContentURI) String() string {
	if c.IsZero() {
		return ""
	}
	return contentURIScheme + c.server + "/" + c.mediaID
}

func (c ContentURI) IsZero() bool { return c.server == "" }

// Server returns the origin server of the media.
func (c ContentURI) Server() string { return c.server }

// MediaID returns the server-local media identifier.
func (c ContentURI) MediaID() string { return c.mediaID }

func (c ContentURI) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ContentURI) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = ContentURI{}
		return nil
	}
	parsed, err := ParseContentURI(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the configuration flags registered on a FlagSet. Only
// flags the operator set override lower layers.
type Flags struct {
	set *pflag.FlagSet

	homeserver            string
	userID                string
	password              string
	passwordFile          string
	registrationTokenFile string
	displayName           string
	deviceName            string
	syncTimeout           time.Duration
	roomName              string
	recipients            []string
	perTitle              bool
	userPrefix            string
	avatarsDir            string
	messageType           string
	markdown              bool
	address               string
	port                  int
	appToken              string
	appTokenFile          string
	rateLimit             float64
	rateBurst             int
	storeDir              string
	logLevel              string
	logFormat             string
}

// RegisterFlags adds the configuration flags to set. Help text shows
// the built-in defaults.
func RegisterFlags(set *pflag.FlagSet) *Flags {
	defaults := Default()
	flags := &Flags{set: set}

	set.StringVar(&flags.homeserver, "homeserver", defaults.Matrix.Homeserver, "homeserver base URL")
	set.StringVar(&flags.userID, "user-id", "", "main account user ID (@name:server)")
	set.StringVar(&flags.password, "password", "", "shared account password (prefer --password-file)")
	set.StringVar(&flags.passwordFile, "password-file", "", "file holding the shared account password (- for stdin)")
	set.StringVar(&flags.registrationTokenFile, "registration-token-file", "", "file holding a homeserver registration token")
	set.StringVar(&flags.displayName, "displayname", defaults.Matrix.DisplayName, "main account display name, also its avatar file name")
	set.StringVar(&flags.deviceName, "device-name", defaults.Matrix.DeviceName, "device display name for every account")
	set.DurationVar(&flags.syncTimeout, "sync-timeout", defaults.Matrix.SyncTimeout, "long-poll timeout for /sync")

	set.StringVar(&flags.roomName, "room-name", defaults.Room.Name, "name of the target room")
	set.StringSliceVar(&flags.recipients, "recipients", nil, "user IDs that must be in the room (comma or space separated)")
	set.StringSliceVar(&flags.recipients, "receipients", nil, "alias of --recipients")
	_ = set.MarkHidden("receipients")

	set.BoolVar(&flags.perTitle, "new-user-for-title", false, "post each title from its own account")
	set.StringVar(&flags.userPrefix, "user-prefix", defaults.Identities.Prefix, "localpart prefix for per-title accounts")
	set.StringVar(&flags.avatarsDir, "avatars-dir", defaults.Identities.AvatarsDir, "directory of avatar images named after titles")

	set.StringVar(&flags.messageType, "message-type", defaults.Messages.Type, "message type: text or notice")
	set.BoolVar(&flags.markdown, "markdown", false, "render messages as Markdown")

	set.StringVar(&flags.address, "listen-address", defaults.HTTP.Address, "HTTP listen host (empty for all interfaces)")
	set.IntVar(&flags.port, "port", defaults.HTTP.Port, "HTTP port")
	set.StringVar(&flags.appToken, "app-token", "", "shared secret inbound requests must present")
	set.StringVar(&flags.appTokenFile, "app-token-file", "", "file holding the inbound shared secret")
	set.Float64Var(&flags.rateLimit, "rate-limit", 0, "accepted messages per second (0 disables)")
	set.IntVar(&flags.rateBurst, "rate-burst", defaults.HTTP.RateBurst, "burst size for --rate-limit")

	set.StringVar(&flags.storeDir, "store-dir", defaults.Store.Dir, "directory for device state")
	set.StringVar(&flags.logLevel, "log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	set.StringVar(&flags.logFormat, "log-format", defaults.Log.Format, "log format: text or json")

	return flags
}

func (f *Flags) apply(c *Config) {
	changed := f.set.Changed
	if changed("homeserver") {
		c.Matrix.Homeserver = f.homeserver
	}
	if changed("user-id") {
		c.Matrix.UserID = f.userID
	}
	if changed("password") {
		c.Password = f.password
	}
	if changed("password-file") {
		c.Matrix.PasswordFile = f.passwordFile
	}
	if changed("registration-token-file") {
		c.Matrix.RegistrationTokenFile = f.registrationTokenFile
	}
	if changed("displayname") {
		c.Matrix.DisplayName = f.displayName
	}
	if changed("device-name") {
		c.Matrix.DeviceName = f.deviceName
	}
	if changed("sync-timeout") {
		c.Matrix.SyncTimeout = f.syncTimeout
	}
	if changed("room-name") {
		c.Room.Name = f.roomName
	}
	if changed("recipients") || changed("receipients") {
		var recipients []string
		for _, value := range f.recipients {
			recipients = append(recipients, strings.Fields(value)...)
		}
		c.Room.Recipients = recipients
	}
	if changed("new-user-for-title") {
		c.Identities.PerTitle = f.perTitle
	}
	if changed("user-prefix") {
		c.Identities.Prefix = f.userPrefix
	}
	if changed("avatars-dir") {
		c.Identities.AvatarsDir = f.avatarsDir
	}
	if changed("message-type") {
		c.Messages.Type = f.messageType
	}
	if changed("markdown") {
		c.Messages.Markdown = f.markdown
	}
	if changed("listen-address") {
		c.HTTP.Address = f.address
	}
	if changed("port") {
		c.HTTP.Port = f.port
	}
	if changed("app-token") {
		c.AppToken = f.appToken
	}
	if changed("app-token-file") {
		c.HTTP.AppTokenFile = f.appTokenFile
	}
	if changed("rate-limit") {
		c.HTTP.RateLimit = f.rateLimit
	}
	if changed("rate-burst") {
		c.HTTP.RateBurst = f.rateBurst
	}
	if changed("store-dir") {
		c.Store.Dir = f.storeDir
	}
	if changed("log-level") {
		c.Log.Level = f.logLevel
	}
	if changed("log-format") {
		c.Log.Format = f.logFormat
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// environmentKeys lists every variable Load reads.
var environmentKeys = []string{
	"HOMESERVER", "USER_ID", "PASSWORD", "PASSWORD_FILE", "REGISTRATION_TOKEN_FILE",
	"DISPLAYNAME", "DEVICE_NAME", "SYNC_TIMEOUT", "ROOM_NAME", "RECIPIENTS",
	"RECEIPIENTS", "NEW_USER_FOR_TITLE", "USER_PREFIX", "AVATARS_DIR",
	"MESSAGE_TYPE", "MARKDOWN", "LISTEN_ADDRESS", "PORT", "APP_TOKEN",
	"APP_TOKEN_FILE", "RATE_LIMIT", "RATE_BURST", "STORE_DIR", "LOG_LEVEL",
	"LOG_FORMAT", ConfigFileVariable,
}

// isolateEnvironment unsets every variable Load reads for the duration
// of the test and runs it from an empty directory so no .env is found.
func isolateEnvironment(t *testing.T) {
	t.Helper()
	for _, key := range environmentKeys {
		previous, wasSet := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if wasSet {
				os.Setenv(key, previous)
			} else {
				os.Unsetenv(key)
			}
		})
	}
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	config := Default()

	if config.Matrix.Homeserver != "https://matrix-client.matrix.org" {
		t.Errorf("homeserver = %q", config.Matrix.Homeserver)
	}
	if config.HTTP.Port != 8571 {
		t.Errorf("port = %d, want 8571", config.HTTP.Port)
	}
	if config.Identities.Prefix != "pushmatrix_" {
		t.Errorf("prefix = %q, want pushmatrix_", config.Identities.Prefix)
	}
	if config.Matrix.SyncTimeout != 3*time.Second {
		t.Errorf("sync_timeout = %v, want 3s", config.Matrix.SyncTimeout)
	}
	if config.Messages.Type != "text" {
		t.Errorf("message type = %q, want text", config.Messages.Type)
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("PUSHMATRIX_TEST_ROOT", "/srv/pushmatrix")
	path := writeConfig(t, "pushmatrix.yaml", `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  sync_timeout: 10s
room:
  name: alerts
  recipients: ["@alice:example.org", "@bob:example.org"]
identities:
  per_title: true
  avatars_dir: ${STORE_DIR}/avatars
store:
  dir: ${PUSHMATRIX_TEST_ROOT}/store
`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if config.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("homeserver = %q", config.Matrix.Homeserver)
	}
	if config.Matrix.SyncTimeout != 10*time.Second {
		t.Errorf("sync_timeout = %v, want 10s", config.Matrix.SyncTimeout)
	}
	if len(config.Room.Recipients) != 2 {
		t.Errorf("recipients = %v", config.Room.Recipients)
	}
	if !config.Identities.PerTitle {
		t.Error("per_title not set")
	}
	if config.Store.Dir != "/srv/pushmatrix/store" {
		t.Errorf("store dir = %q", config.Store.Dir)
	}
	if config.Identities.AvatarsDir != "/srv/pushmatrix/store/avatars" {
		t.Errorf("avatars dir = %q", config.Identities.AvatarsDir)
	}
	// Untouched fields keep their defaults.
	if config.Matrix.DisplayName != "pushmatrix" {
		t.Errorf("display name = %q", config.Matrix.DisplayName)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "pushmatrix.jsonc", `{
  // main account
  "matrix": {"user_id": "@bot:example.org"},
  "room": {"recipients": ["@alice:example.org",],},
  "http": {"port": 9000},
}`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.HTTP.Port != 9000 {
		t.Errorf("port = %d, want 9000", config.HTTP.Port)
	}
	if config.Matrix.UserID != "@bot:example.org" {
		t.Errorf("user_id = %q", config.Matrix.UserID)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnvironmentOverlay(t *testing.T) {
	isolateEnvironment(t)
	path := writeConfig(t, "pushmatrix.yaml", `
matrix:
  user_id: "@file:example.org"
room:
  name: from-file
`)
	t.Setenv(ConfigFileVariable, path)
	t.Setenv("USER_ID", "@env:example.org")
	t.Setenv("RECEIPIENTS", "@a:example.org @b:example.org")
	t.Setenv("NEW_USER_FOR_TITLE", "true")
	t.Setenv("MESSAGE_TYPE", "notice")
	t.Setenv("PORT", "9100")
	t.Setenv("PASSWORD", "hunter2")
	t.Setenv("DISPLAYNAME", "")

	config, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Matrix.UserID != "@env:example.org" {
		t.Errorf("user_id = %q, want env value", config.Matrix.UserID)
	}
	if config.Room.Name != "from-file" {
		t.Errorf("room name = %q, want file value", config.Room.Name)
	}
	if strings.Join(config.Room.Recipients, ",") != "@a:example.org,@b:example.org" {
		t.Errorf("recipients = %v", config.Room.Recipients)
	}
	if !config.Identities.PerTitle {
		t.Error("NEW_USER_FOR_TITLE not applied")
	}
	if config.Messages.Type != "notice" {
		t.Errorf("message type = %q", config.Messages.Type)
	}
	if config.HTTP.Port != 9100 {
		t.Errorf("port = %d", config.HTTP.Port)
	}
	if config.Password != "hunter2" {
		t.Error("PASSWORD not applied")
	}
	if config.Matrix.DisplayName != "pushmatrix" {
		t.Errorf("empty DISPLAYNAME overrode default: %q", config.Matrix.DisplayName)
	}
}

func TestLoadRejectsBadBoolean(t *testing.T) {
	isolateEnvironment(t)
	t.Setenv("NEW_USER_FOR_TITLE", "sometimes")
	if _, err := Load(LoadOptions{}); err == nil || !strings.Contains(err.Error(), "NEW_USER_FOR_TITLE") {
		t.Fatalf("Load error = %v, want NEW_USER_FOR_TITLE parse error", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	isolateEnvironment(t)
	envFile := writeConfig(t, "gateway.env", "USER_ID=@dotenv:example.org\nROOM_NAME=dotenv-room\n")
	t.Setenv("ROOM_NAME", "process-room")

	config, err := Load(LoadOptions{EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("USER_ID") })

	if config.Matrix.UserID != "@dotenv:example.org" {
		t.Errorf("user_id = %q, want value from env file", config.Matrix.UserID)
	}
	if config.Room.Name != "process-room" {
		t.Errorf("room name = %q, env file must not override the process environment", config.Room.Name)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	isolateEnvironment(t)
	if _, err := Load(LoadOptions{EnvFile: "does-not-exist.env"}); err == nil {
		t.Fatal("expected error for a named env file that does not exist")
	}
}

func TestLoadFlagPrecedence(t *testing.T) {
	isolateEnvironment(t)
	t.Setenv("ROOM_NAME", "env-room")
	t.Setenv("PORT", "9100")

	set := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(set)
	if err := set.Parse([]string{
		"--room-name", "flag-room",
		"--receipients", "@a:example.org,@b:example.org",
		"--new-user-for-title",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	config, err := Load(LoadOptions{Flags: flags})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Room.Name != "flag-room" {
		t.Errorf("room name = %q, want flag value", config.Room.Name)
	}
	if config.HTTP.Port != 9100 {
		t.Errorf("port = %d, unset flag must not override the environment", config.HTTP.Port)
	}
	if len(config.Room.Recipients) != 2 {
		t.Errorf("recipients = %v", config.Room.Recipients)
	}
	if !config.Identities.PerTitle {
		t.Error("--new-user-for-title not applied")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		config := Default()
		config.Matrix.UserID = "@bot:example.org"
		config.Room.Recipients = []string{"@alice:example.org"}
		return config
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing user", func(c *Config) { c.Matrix.UserID = "" }, "matrix.user_id is required"},
		{"bad user", func(c *Config) { c.Matrix.UserID = "@bot" }, "matrix.user_id"},
		{"no recipients", func(c *Config) { c.Room.Recipients = nil }, "room.recipients"},
		{"bad recipient", func(c *Config) { c.Room.Recipients = []string{"alice"} }, "room.recipients[0]"},
		{"bad homeserver", func(c *Config) { c.Matrix.Homeserver = "matrix.example.org" }, "matrix.homeserver"},
		{"bad message type", func(c *Config) { c.Messages.Type = "emote" }, "messages.type must be one of"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"bad prefix", func(c *Config) { c.Identities.Prefix = "Push Matrix" }, "identities.prefix"},
		{"zero sync timeout", func(c *Config) { c.Matrix.SyncTimeout = 0 }, "matrix.sync_timeout"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := valid()
			test.mutate(config)
			err := config.Validate()
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("PUSHMATRIX_EXPAND_TEST", "from-env")
	vars := map[string]string{"KNOWN": "known"}

	tests := map[string]string{
		"${KNOWN}/x":                        "known/x",
		"${PUSHMATRIX_EXPAND_TEST}":         "from-env",
		"${PUSHMATRIX_UNSET_VAR:-fallback}": "fallback",
		"${PUSHMATRIX_UNSET_VAR}":           "",
		"plain/path":                        "plain/path",
	}
	for input, want := range tests {
		if got := expandVars(input, vars); got != want {
			t.Errorf("expandVars(%q) = %q, want %q", input, got, want)
		}
	}
}

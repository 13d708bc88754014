// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Matrix     MatrixConfig     `yaml:"matrix"`
	Room       RoomConfig       `yaml:"room"`
	Identities IdentitiesConfig `yaml:"identities"`
	Messages   MessagesConfig   `yaml:"messages"`
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`

	// Password is the shared account password when given inline. Set
	// only from PASSWORD or --password.
	Password string `yaml:"-"`

	// AppToken is the inbound shared secret when given inline. Set only
	// from APP_TOKEN or --app-token.
	AppToken string `yaml:"-"`
}

// MatrixConfig describes the main account and homeserver.
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" validate:"required,http_url"`
	UserID     string `yaml:"user_id" validate:"required,startswith=@,contains=:"`

	// PasswordFile holds the shared password ("-" for stdin). When
	// neither this nor an inline password is set the entrypoint
	// prompts on the terminal.
	PasswordFile string `yaml:"password_file"`

	// RegistrationTokenFile holds a token for homeservers that gate
	// registration with m.login.registration_token.
	RegistrationTokenFile string `yaml:"registration_token_file"`

	DisplayName string `yaml:"display_name" validate:"required"`
	DeviceName  string `yaml:"device_name" validate:"required"`

	// SyncTimeout is the long-poll timeout for every /sync.
	SyncTimeout time.Duration `yaml:"sync_timeout" validate:"gt=0"`
}

// RoomConfig describes the single target room.
type RoomConfig struct {
	Name       string   `yaml:"name" validate:"required"`
	Recipients []string `yaml:"recipients" validate:"required,min=1,dive,startswith=@,contains=:"`
}

// IdentitiesConfig controls per-title virtual accounts.
type IdentitiesConfig struct {
	PerTitle   bool   `yaml:"per_title"`
	Prefix     string `yaml:"prefix" validate:"required"`
	AvatarsDir string `yaml:"avatars_dir"`
}

// MessagesConfig controls outgoing message content.
type MessagesConfig struct {
	Type     string `yaml:"type" validate:"oneof=text notice"`
	Markdown bool   `yaml:"markdown"`
}

// HTTPConfig controls the inbound listener.
type HTTPConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	AppTokenFile string `yaml:"app_token_file"`

	// RateLimit is accepted messages per second; zero disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
}

// StoreConfig locates on-disk state.
type StoreConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing overrides it.
// Matrix.UserID and Room.Recipients have no default and must be set.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			Homeserver:  "https://matrix-client.matrix.org",
			DisplayName: "pushmatrix",
			DeviceName:  "pushmatrix",
			SyncTimeout: 3 * time.Second,
		},
		Room: RoomConfig{
			Name: "pushmatrix",
		},
		Identities: IdentitiesConfig{
			Prefix:     "pushmatrix_",
			AvatarsDir: "./avatars",
		},
		Messages: MessagesConfig{
			Type: "text",
		},
		HTTP: HTTPConfig{
			Port:      8571,
			RateBurst: 10,
		},
		Store: StoreConfig{
			Dir: "./store",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile returns Default overlaid with the file at path, with path
// variables expanded. Environment and flags are not consulted.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := config.loadFile(path); err != nil {
		return nil, err
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ListenAddress joins HTTP.Address and HTTP.Port.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Address, c.HTTP.Port)
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Store.Dir = expandVars(c.Store.Dir, vars)
	vars["STORE_DIR"] = c.Store.Dir

	c.Identities.AvatarsDir = expandVars(c.Identities.AvatarsDir, vars)
	c.Matrix.PasswordFile = expandVars(c.Matrix.PasswordFile, vars)
	c.Matrix.RegistrationTokenFile = expandVars(c.Matrix.RegistrationTokenFile, vars)
	c.HTTP.AppTokenFile = expandVars(c.HTTP.AppTokenFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${NAME} and ${NAME:-default}. Known vars win over
// the environment; the default applies when both are empty.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigFileVariable names the config file when --config is not given.
const ConfigFileVariable = "PUSHMATRIX_CONFIG"

// defaultEnvFile is loaded when present and no env file was named.
const defaultEnvFile = ".env"

// environment is the flat set of variables the gateway reads. A nil
// field means the variable is unset. Empty strings are treated as
// unset as well, matching how these variables have always been read.
type environment struct {
	Homeserver            *string        `envconfig:"HOMESERVER"`
	UserID                *string        `envconfig:"USER_ID"`
	Password              *string        `envconfig:"PASSWORD"`
	PasswordFile          *string        `envconfig:"PASSWORD_FILE"`
	RegistrationTokenFile *string        `envconfig:"REGISTRATION_TOKEN_FILE"`
	DisplayName           *string        `envconfig:"DISPLAYNAME"`
	DeviceName            *string        `envconfig:"DEVICE_NAME"`
	SyncTimeout           *time.Duration `envconfig:"SYNC_TIMEOUT"`

	RoomName *string `envconfig:"ROOM_NAME"`
	// Recipients is space separated. RECEIPIENTS is the historical
	// spelling and still honoured.
	Recipients       *string `envconfig:"RECIPIENTS"`
	LegacyRecipients *string `envconfig:"RECEIPIENTS"`

	NewUserForTitle *string `envconfig:"NEW_USER_FOR_TITLE"`
	UserPrefix      *string `envconfig:"USER_PREFIX"`
	AvatarsDir      *string `envconfig:"AVATARS_DIR"`

	MessageType *string `envconfig:"MESSAGE_TYPE"`
	Markdown    *string `envconfig:"MARKDOWN"`

	Address      *string  `envconfig:"LISTEN_ADDRESS"`
	Port         *int     `envconfig:"PORT"`
	AppToken     *string  `envconfig:"APP_TOKEN"`
	AppTokenFile *string  `envconfig:"APP_TOKEN_FILE"`
	RateLimit    *float64 `envconfig:"RATE_LIMIT"`
	RateBurst    *int     `envconfig:"RATE_BURST"`

	StoreDir *string `envconfig:"STORE_DIR"`

	LogLevel  *string `envconfig:"LOG_LEVEL"`
	LogFormat *string `envconfig:"LOG_FORMAT"`
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// ConfigFile overrides PUSHMATRIX_CONFIG. Empty with the variable
	// unset means no file.
	ConfigFile string

	// EnvFile is loaded into the process environment before anything
	// else. Variables already set are not overwritten. Empty means
	// ".env" if it exists.
	EnvFile string

	// Flags, when non-nil, overlays flags the operator set.
	Flags *Flags
}

// Load layers defaults, file, environment and flags, then expands path
// variables. It does not validate; call Validate on the result.
func Load(options LoadOptions) (*Config, error) {
	if err := loadEnvFile(options.EnvFile); err != nil {
		return nil, err
	}

	config := Default()
	path := options.ConfigFile
	if path == "" {
		path = os.Getenv(ConfigFileVariable)
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnvironment(); err != nil {
		return nil, err
	}
	if options.Flags != nil {
		options.Flags.apply(config)
	}
	config.expandVariables()
	return config, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironment() error {
	var env environment
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	setString(&c.Matrix.Homeserver, env.Homeserver)
	setString(&c.Matrix.UserID, env.UserID)
	setString(&c.Password, env.Password)
	setString(&c.Matrix.PasswordFile, env.PasswordFile)
	setString(&c.Matrix.RegistrationTokenFile, env.RegistrationTokenFile)
	setString(&c.Matrix.DisplayName, env.DisplayName)
	setString(&c.Matrix.DeviceName, env.DeviceName)
	if env.SyncTimeout != nil {
		c.Matrix.SyncTimeout = *env.SyncTimeout
	}

	setString(&c.Room.Name, env.RoomName)
	for _, value := range []*string{env.LegacyRecipients, env.Recipients} {
		if value != nil && strings.TrimSpace(*value) != "" {
			c.Room.Recipients = strings.Fields(*value)
		}
	}

	if err := setBool(&c.Identities.PerTitle, env.NewUserForTitle, "NEW_USER_FOR_TITLE"); err != nil {
		return err
	}
	setString(&c.Identities.Prefix, env.UserPrefix)
	setString(&c.Identities.AvatarsDir, env.AvatarsDir)

	setString(&c.Messages.Type, env.MessageType)
	if err := setBool(&c.Messages.Markdown, env.Markdown, "MARKDOWN"); err != nil {
		return err
	}

	setString(&c.HTTP.Address, env.Address)
	if env.Port != nil {
		c.HTTP.Port = *env.Port
	}
	setString(&c.AppToken, env.AppToken)
	setString(&c.HTTP.AppTokenFile, env.AppTokenFile)
	if env.RateLimit != nil {
		c.HTTP.RateLimit = *env.RateLimit
	}
	if env.RateBurst != nil {
		c.HTTP.RateBurst = *env.RateBurst
	}

	setString(&c.Store.Dir, env.StoreDir)
	setString(&c.Log.Level, env.LogLevel)
	setString(&c.Log.Format, env.LogFormat)
	return nil
}

func setString(destination *string, value *string) {
	if value != nil && *value != "" {
		*destination = *value
	}
}

func setBool(destination *bool, value *string, name string) error {
	if value == nil || *value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(*value)
	if err != nil {
		return fmt.Errorf("reading environment: %s=%q is not a boolean", name, *value)
	}
	*destination = parsed
	return nil
}

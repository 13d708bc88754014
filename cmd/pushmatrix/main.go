// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pushmatrix/gateway"
	"github.com/bureau-foundation/pushmatrix/ingress"
	"github.com/bureau-foundation/pushmatrix/lib/config"
	"github.com/bureau-foundation/pushmatrix/lib/process"
	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
	"github.com/bureau-foundation/pushmatrix/lib/sessionstore"
	"github.com/bureau-foundation/pushmatrix/lib/version"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// closeTimeout bounds logout of every identity at shutdown.
const closeTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configFile, envFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("pushmatrix", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "", "YAML configuration file (default $"+config.ConfigFileVariable+")")
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment (default .env)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags := config.RegisterFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("pushmatrix %s\n", version.Info())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		EnvFile:    envFile,
		Flags:      flags,
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	password, err := readPassword(cfg)
	if err != nil {
		return err
	}
	defer password.Close()

	var registrationToken *secret.Buffer
	if cfg.Matrix.RegistrationTokenFile != "" {
		registrationToken, err = secret.ReadFromPath(cfg.Matrix.RegistrationTokenFile)
		if err != nil {
			return fmt.Errorf("reading registration token: %w", err)
		}
		defer registrationToken.Close()
	}

	appToken, err := readAppToken(cfg)
	if err != nil {
		return err
	}
	if appToken != nil {
		defer appToken.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pushmatrix",
		"version", version.Info(),
		"homeserver", cfg.Matrix.Homeserver,
		"user_id", cfg.Matrix.UserID,
		"room", cfg.Room.Name,
		"per_title", cfg.Identities.PerTitle,
	)

	if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	store, err := sessionstore.Open(sessionstore.Config{
		Dir:        cfg.Store.Dir,
		Passphrase: password,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Matrix.Homeserver,
		// Long polls must outlive the sync timeout.
		HTTPClient: &http.Client{Timeout: cfg.Matrix.SyncTimeout + time.Minute},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	connector, err := messaging.NewConnector(messaging.ConnectorConfig{
		Client:            client,
		Password:          password,
		RegistrationToken: registrationToken,
		DeviceDisplayName: cfg.Matrix.DeviceName,
		Store:             store,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	mainUser, err := ref.ParseUserID(cfg.Matrix.UserID)
	if err != nil {
		return err
	}
	recipients := make([]ref.UserID, 0, len(cfg.Room.Recipients))
	for _, raw := range cfg.Room.Recipients {
		recipient, err := ref.ParseUserID(raw)
		if err != nil {
			return err
		}
		recipients = append(recipients, recipient)
	}

	relay, err := gateway.New(gateway.Config{
		MainUsername: mainUser.Localpart(),
		DisplayName:  cfg.Matrix.DisplayName,
		RoomName:     cfg.Room.Name,
		Recipients:   recipients,
		PerTitle:     cfg.Identities.PerTitle,
		Prefix:       cfg.Identities.Prefix,
		AvatarsDir:   cfg.Identities.AvatarsDir,
		MessageType:  messageType(cfg.Messages.Type),
		Markdown:     cfg.Messages.Markdown,
		AppToken:     appToken,
		SyncTimeout:  cfg.Matrix.SyncTimeout,
	}, gateway.NewMatrixConnector(connector), logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		relay.Close(closeCtx)
	}()

	if err := relay.Start(ctx); err != nil {
		return err
	}

	server := ingress.NewServer(ingress.ServerConfig{
		Address: cfg.ListenAddress(),
		Handler: ingress.NewHandler(ingress.HandlerConfig{
			Dispatcher: relay.Router(),
			Health:     relay,
			RateLimit:  cfg.HTTP.RateLimit,
			RateBurst:  cfg.HTTP.RateBurst,
			Logger:     logger,
		}),
		Logger: logger,
	})

	// The first of the sync loop and the server to stop takes the
	// other down with it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan error, 2)
	go func() {
		err := relay.RunSync(runCtx)
		cancel()
		results <- err
	}()
	go func() {
		err := server.Serve(runCtx)
		cancel()
		results <- err
	}()

	var errs []error
	for range 2 {
		if err := <-results; err != nil {
			errs = append(errs, err)
		}
	}
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	return errors.Join(errs...)
}

func newLogger(config config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	if config.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
}

// readPassword takes the shared password from the inline value, the
// password file, or an interactive prompt, in that order.
func readPassword(cfg *config.Config) (*secret.Buffer, error) {
	if cfg.Password != "" {
		return secret.NewFromString(cfg.Password)
	}
	if cfg.Matrix.PasswordFile != "" {
		buffer, err := secret.ReadFromPath(cfg.Matrix.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return buffer, nil
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, errors.New("no password configured and no terminal available for a prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}

// readAppToken returns nil when no inbound token is configured.
func readAppToken(cfg *config.Config) (*secret.Buffer, error) {
	switch {
	case cfg.AppToken != "":
		return secret.NewFromString(cfg.AppToken)
	case cfg.HTTP.AppTokenFile != "":
		buffer, err := secret.ReadFromPath(cfg.HTTP.AppTokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading app token: %w", err)
		}
		return buffer, nil
	default:
		return nil, nil
	}
}

func messageType(configured string) string {
	if configured == "notice" {
		return messaging.MsgTypeNotice
	}
	return messaging.MsgTypeText
}

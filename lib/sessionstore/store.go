// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pushmatrix/lib/clock"
	"github.com/bureau-foundation/pushmatrix/lib/codec"
	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/sealed"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
	"github.com/bureau-foundation/pushmatrix/lib/sqlitepool"
	"github.com/bureau-foundation/pushmatrix/messaging"
)

// DatabaseName is the file created inside the store directory.
const DatabaseName = "devices.db"

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	username    TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	device_id   TEXT NOT NULL DEFAULT '',
	sealed_keys BLOB,
	sync_token  TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);
`

// Config holds the parameters for Open.
type Config struct {
	// Dir is the store directory; it must exist.
	Dir string
	// Passphrase seals key material. Not closed by the Store.
	Passphrase *secret.Buffer
	// WorkFactor is the scrypt work factor; zero means
	// sealed.DefaultWorkFactor.
	WorkFactor int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Store is a SQLite-backed messaging.DeviceStore.
type Store struct {
	pool       *sqlitepool.Pool
	passphrase *secret.Buffer
	workFactor int
	clock      clock.Clock
	logger     *slog.Logger
}

var _ messaging.DeviceStore = (*Store)(nil)

// Open opens (creating if needed) the device database in config.Dir.
func Open(config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("sessionstore: Dir is required")
	}
	if config.Passphrase == nil || config.Passphrase.Len() == 0 {
		return nil, fmt.Errorf("sessionstore: Passphrase is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeClock := config.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}
	workFactor := config.WorkFactor
	if workFactor == 0 {
		workFactor = sealed.DefaultWorkFactor
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(config.Dir, DatabaseName),
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}
	return &Store{
		pool:       pool,
		passphrase: config.Passphrase,
		workFactor: workFactor,
		clock:      storeClock,
		logger:     logger,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// LoadDevice returns the stored state for username, or nil when there
// is none. A record whose keys cannot be unsealed comes back without a
// device ID or keys.
func (s *Store) LoadDevice(ctx context.Context, username string) (*messaging.DeviceState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}
	defer s.pool.Put(conn)

	var state *messaging.DeviceState
	var sealedKeys []byte
	var userID string
	err = sqlitex.Execute(conn,
		`SELECT user_id, device_id, sealed_keys, sync_token FROM devices WHERE username = ?`,
		&sqlitex.ExecOptions{
			Args: []any{username},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				userID = stmt.ColumnText(0)
				state = &messaging.DeviceState{
					Username:  username,
					DeviceID:  stmt.ColumnText(1),
					SyncToken: stmt.ColumnText(3),
				}
				if length := stmt.ColumnLen(2); length > 0 {
					sealedKeys = make([]byte, length)
					stmt.ColumnBytes(2, sealedKeys)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading %s: %w", username, err)
	}
	if state == nil {
		return nil, nil
	}
	if userID != "" {
		parsed, err := ref.ParseUserID(userID)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: stored user ID for %s: %w", username, err)
		}
		state.UserID = parsed
	}
	if len(sealedKeys) == 0 {
		return state, nil
	}

	keys, err := s.unseal(sealedKeys)
	if err != nil {
		s.logger.Warn("discarding unreadable device keys",
			"username", username,
			"device_id", state.DeviceID,
			"error", err,
		)
		state.DeviceID = ""
		state.SyncToken = ""
		return state, nil
	}
	state.Keys = keys
	return state, nil
}

func (s *Store) unseal(ciphertext []byte) (*messaging.DeviceKeyMaterial, error) {
	plaintext, err := sealed.Open(ciphertext, s.passphrase)
	if err != nil {
		return nil, err
	}
	defer plaintext.Close()

	var keys messaging.DeviceKeyMaterial
	if err := codec.Unmarshal(plaintext.Bytes(), &keys); err != nil {
		return nil, fmt.Errorf("decoding key material: %w", err)
	}
	return &keys, nil
}

// SaveDevice writes the full record for state.Username, sealing its keys.
func (s *Store) SaveDevice(ctx context.Context, state messaging.DeviceState) error {
	var sealedKeys []byte
	if state.Keys != nil {
		encoded, err := codec.Marshal(state.Keys)
		if err != nil {
			return fmt.Errorf("sessionstore: encoding keys for %s: %w", state.Username, err)
		}
		sealedKeys, err = sealed.Seal(encoded, s.passphrase, s.workFactor)
		secret.Zero(encoded)
		if err != nil {
			return fmt.Errorf("sessionstore: sealing keys for %s: %w", state.Username, err)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sessionstore: %w", err)
	}
	defer s.pool.Put(conn)

	userID := ""
	if !state.UserID.IsZero() {
		userID = state.UserID.String()
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO devices (username, user_id, device_id, sealed_keys, sync_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			sealed_keys = excluded.sealed_keys,
			sync_token = excluded.sync_token,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{state.Username, userID, state.DeviceID, sealedKeys, state.SyncToken, s.clock.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("sessionstore: saving %s: %w", state.Username, err)
	}
	return nil
}

// SaveSyncToken updates only the sync token, creating the row if needed.
func (s *Store) SaveSyncToken(ctx context.Context, username, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sessionstore: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO devices (username, sync_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			sync_token = excluded.sync_token,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{username, token, s.clock.Now().Unix()}})
	if err != nil {
		return fmt.Errorf("sessionstore: saving sync token for %s: %w", username, err)
	}
	return nil
}

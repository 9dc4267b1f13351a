// Package settings is the persisted per-chat key-value store: mute
// windows, feature toggles, warn counters. Rows are addressed by
// normalized chat id plus uppercase key.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/calebgw/chirp/internal/sqldb"
	_ "modernc.org/sqlite"
)

// Well-known keys.
const (
	KeyMuteUntil = "MUTE_UNTIL"
	KeyWelcome   = "WELCOME"
	KeyGoodbye   = "GOODBYE"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	chat_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, key)
);
`

// Store is the sqlite-backed settings store.
type Store struct {
	db *sqldb.DB
}

// Open opens (creating if needed) the settings database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	db := sqldb.New(raw)
	// Schema setup is the one place the context-free escape hatch is
	// legitimate: there is no request context at open time.
	if _, err := db.Raw().Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// normalize lowercases the chat id and uppercases the key, so lookups
// are insensitive to how callers spell either.
func normalize(chatID, key string) (string, string) {
	return strings.ToLower(strings.TrimSpace(chatID)), strings.ToUpper(strings.TrimSpace(key))
}

// Get returns the value for chat/key, with found=false when unset.
func (s *Store) Get(ctx context.Context, chatID, key string) (string, bool, error) {
	chatID, key = normalize(chatID, key)
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE chat_id = ? AND key = ?`, chatID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s/%s: %w", chatID, key, err)
	}
	return value, true, nil
}

// Set upserts the value for chat/key. Idempotent for equal values.
func (s *Store) Set(ctx context.Context, chatID, key, value string) error {
	chatID, key = normalize(chatID, key)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (chat_id, key, value, updated_at)
		 VALUES (?, ?, ?, unixepoch('subsec') * 1000)
		 ON CONFLICT(chat_id, key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		chatID, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s/%s: %w", chatID, key, err)
	}
	return nil
}

// Delete removes the value for chat/key. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, chatID, key string) error {
	chatID, key = normalize(chatID, key)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE chat_id = ? AND key = ?`, chatID, key)
	if err != nil {
		return fmt.Errorf("delete setting %s/%s: %w", chatID, key, err)
	}
	return nil
}

// MuteUntil returns the epoch-millisecond mute deadline for the chat.
// Zero (or an unset row) means unmuted.
func (s *Store) MuteUntil(ctx context.Context, chatID string) (int64, error) {
	value, found, err := s.Get(ctx, chatID, KeyMuteUntil)
	if err != nil || !found {
		return 0, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// A corrupt row reads as unmuted rather than wedging the chat.
		return 0, nil
	}
	return ms, nil
}

// SetMuteUntil stores the epoch-millisecond mute deadline for the chat.
func (s *Store) SetMuteUntil(ctx context.Context, chatID string, untilMs int64) error {
	return s.Set(ctx, chatID, KeyMuteUntil, strconv.FormatInt(untilMs, 10))
}

// Counter returns the current value of a named counter.
func (s *Store) Counter(ctx context.Context, chatID, key string) (int64, error) {
	value, found, err := s.Get(ctx, chatID, key)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// IncrCounter atomically increments a named counter and returns the new
// value.
func (s *Store) IncrCounter(ctx context.Context, chatID, key string) (int64, error) {
	chatID, key = normalize(chatID, key)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO settings (chat_id, key, value, updated_at)
		 VALUES (?, ?, '1', unixepoch('subsec') * 1000)
		 ON CONFLICT(chat_id, key) DO UPDATE SET
		   value = CAST(CAST(value AS INTEGER) + 1 AS TEXT),
		   updated_at = excluded.updated_at
		 RETURNING CAST(value AS INTEGER)`,
		chatID, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s/%s: %w", chatID, key, err)
	}
	return n, nil
}

// Flag reports whether a boolean toggle is on for the chat.
func (s *Store) Flag(ctx context.Context, chatID, key string) (bool, error) {
	value, found, err := s.Get(ctx, chatID, key)
	if err != nil || !found {
		return false, err
	}
	return value == "1" || strings.EqualFold(value, "true"), nil
}

// SetFlag stores a boolean toggle for the chat.
func (s *Store) SetFlag(ctx context.Context, chatID, key string, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	return s.Set(ctx, chatID, key, value)
}

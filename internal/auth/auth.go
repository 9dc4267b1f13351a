// Package auth manages the local credential store and restoring it
// from an out-of-band credential string.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Marker optionally prefixes an exported credential string so operators
// can recognize it in a sea of environment variables.
const Marker = "CHIRP;;;"

const sessionFile = "session.db"

// envelope is the portable credential document: the raw bytes of the
// session database, base64-encoded.
type envelope struct {
	Version int    `json:"version"`
	DB      string `json:"db"`
}

// Store is a directory-backed credential store. The session database
// inside it is owned by the protocol library once the client is built.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore opens (creating if needed) the credential store at dir.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// SessionPath returns the path of the session database.
func (s *Store) SessionPath() string {
	return filepath.Join(s.dir, sessionFile)
}

// HasCredentials reports whether a non-empty session database exists.
func (s *Store) HasCredentials() bool {
	info, err := os.Stat(s.SessionPath())
	return err == nil && info.Size() > 0
}

// Restore decodes an out-of-band credential string and writes the
// session database. The string is accepted in three forms: the raw JSON
// envelope, the URL-encoded envelope, or the base64-encoded envelope,
// each optionally prefixed with the marker token.
func (s *Store) Restore(raw string) error {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, Marker)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty credential string")
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}

	db, err := base64.StdEncoding.DecodeString(env.DB)
	if err != nil {
		return fmt.Errorf("decode session payload: %w", err)
	}
	if len(db) == 0 {
		return fmt.Errorf("credential envelope has empty session payload")
	}

	if err := os.WriteFile(s.SessionPath(), db, 0o600); err != nil {
		return fmt.Errorf("write session database: %w", err)
	}
	s.log.Info("restored session from credential string",
		zap.Int("bytes", len(db)), zap.Int("version", env.Version))
	return nil
}

// Export reads the session database back into a marker-prefixed
// credential string suitable for Restore on another host.
func (s *Store) Export() (string, error) {
	db, err := os.ReadFile(s.SessionPath())
	if err != nil {
		return "", fmt.Errorf("read session database: %w", err)
	}
	if len(db) == 0 {
		return "", fmt.Errorf("session database is empty")
	}
	env := envelope{Version: 1, DB: base64.StdEncoding.EncodeToString(db)}
	doc, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode credential envelope: %w", err)
	}
	return Marker + base64.StdEncoding.EncodeToString(doc), nil
}

// decodeEnvelope tries the accepted encodings in order of likelihood.
func decodeEnvelope(raw string) (*envelope, error) {
	candidates := []string{raw}
	if unescaped, err := url.QueryUnescape(raw); err == nil && unescaped != raw {
		candidates = append(candidates, unescaped)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		candidates = append(candidates, string(decoded))
	} else if decoded, err := base64.RawStdEncoding.DecodeString(raw); err == nil {
		candidates = append(candidates, string(decoded))
	}

	for _, c := range candidates {
		var env envelope
		if err := json.Unmarshal([]byte(c), &env); err != nil {
			continue
		}
		if env.DB == "" {
			continue
		}
		return &env, nil
	}
	return nil, fmt.Errorf("credential string is not a recognized envelope")
}

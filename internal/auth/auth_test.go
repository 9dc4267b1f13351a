package auth_test

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/calebgw/chirp/internal/auth"
)

func newStore(t *testing.T) *auth.Store {
	t.Helper()
	store, err := auth.NewStore(t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

// envelope mirrors the credential document produced by Export.
func makeEnvelope(t *testing.T, payload []byte) string {
	t.Helper()
	doc, err := json.Marshal(map[string]any{
		"version": 1,
		"db":      base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(doc)
}

func TestRestore_RawJSON(t *testing.T) {
	store := newStore(t)
	payload := []byte("sqlite-bytes")

	if err := store.Restore(makeEnvelope(t, payload)); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(store.SessionPath())
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(got) != "sqlite-bytes" {
		t.Errorf("session content = %q, want %q", got, "sqlite-bytes")
	}
	if !store.HasCredentials() {
		t.Error("HasCredentials = false after restore")
	}
}

func TestRestore_URLEncoded(t *testing.T) {
	store := newStore(t)
	raw := url.QueryEscape(makeEnvelope(t, []byte("data")))

	if err := store.Restore(raw); err != nil {
		t.Fatalf("Restore url-encoded: %v", err)
	}
	if !store.HasCredentials() {
		t.Error("HasCredentials = false")
	}
}

func TestRestore_Base64(t *testing.T) {
	store := newStore(t)
	raw := base64.StdEncoding.EncodeToString([]byte(makeEnvelope(t, []byte("data"))))

	if err := store.Restore(raw); err != nil {
		t.Fatalf("Restore base64: %v", err)
	}
	if !store.HasCredentials() {
		t.Error("HasCredentials = false")
	}
}

func TestRestore_MarkerPrefix(t *testing.T) {
	store := newStore(t)
	raw := auth.Marker + base64.StdEncoding.EncodeToString([]byte(makeEnvelope(t, []byte("data"))))

	if err := store.Restore(raw); err != nil {
		t.Fatalf("Restore with marker: %v", err)
	}
	if !store.HasCredentials() {
		t.Error("HasCredentials = false")
	}
}

func TestRestore_Invalid(t *testing.T) {
	store := newStore(t)
	for _, raw := range []string{"", "not-json", "{}", `{"version":1,"db":""}`, `{"version":1,"db":"!!!"}`} {
		if err := store.Restore(raw); err == nil {
			t.Errorf("Restore(%q) succeeded, want error", raw)
		}
	}
	if store.HasCredentials() {
		t.Error("HasCredentials = true after failed restores")
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	src := newStore(t)
	if err := os.WriteFile(src.SessionPath(), []byte("live-session"), 0o600); err != nil {
		t.Fatal(err)
	}

	cred, err := src.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newStore(t)
	if err := dst.Restore(cred); err != nil {
		t.Fatalf("Restore exported string: %v", err)
	}
	got, err := os.ReadFile(dst.SessionPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "live-session" {
		t.Errorf("round-trip content = %q, want %q", got, "live-session")
	}
}

func TestHasCredentials_EmptyFile(t *testing.T) {
	store := newStore(t)
	if store.HasCredentials() {
		t.Error("HasCredentials = true for missing file")
	}
	if err := os.WriteFile(store.SessionPath(), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if store.HasCredentials() {
		t.Error("HasCredentials = true for empty file")
	}
}

func TestNewStore_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "auth")
	if _, err := auth.NewStore(dir, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("NewStore nested: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("auth dir not created: %v", err)
	}
}

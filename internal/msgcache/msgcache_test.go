package msgcache_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/calebgw/chirp/internal/msgcache"
)

func openCache(t *testing.T, path string, opts msgcache.Options) *msgcache.Cache {
	t.Helper()
	c, err := msgcache.Open(path, zaptest.NewLogger(t), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func entryAt(id string, ts time.Time) msgcache.Entry {
	return msgcache.Entry{
		Body:      "body of " + id,
		SenderID:  "111@s.whatsapp.net",
		ChatID:    "222@g.us",
		Timestamp: ts.UnixMilli(),
	}
}

// readDoc parses the durable file.
func readDoc(t *testing.T, path string) struct {
	RetentionMs int64             `json:"retentionMs"`
	UpdatedAt   string            `json:"updatedAt"`
	Messages    []msgcache.Entry  `json:"messages"`
} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	var doc struct {
		RetentionMs int64            `json:"retentionMs"`
		UpdatedAt   string           `json:"updatedAt"`
		Messages    []msgcache.Entry `json:"messages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse cache file: %v", err)
	}
	return doc
}

func TestPutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	c := openCache(t, path, msgcache.Options{})

	c.Put("m1", entryAt("m1", time.Now()))
	e, ok := c.Get("m1")
	if !ok {
		t.Fatal("Get(m1) missing")
	}
	if e.Body != "body of m1" {
		t.Errorf("Body = %q", e.Body)
	}
	if e.ID != "m1" {
		t.Errorf("ID = %q, want m1 (Put must set it)", e.ID)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	now := time.Now()

	c := openCache(t, path, msgcache.Options{Retention: 40 * time.Minute})
	c.Put("fresh", entryAt("fresh", now.Add(-time.Minute)))
	c.Put("older", entryAt("older", now.Add(-30*time.Minute)))
	c.Put("stale", entryAt("stale", now.Add(-41*time.Minute)))
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulated restart: reload the durable file, which re-prunes.
	c2 := openCache(t, path, msgcache.Options{Retention: 40 * time.Minute})
	if _, ok := c2.Get("fresh"); !ok {
		t.Error("fresh entry lost across restart")
	}
	if _, ok := c2.Get("older"); !ok {
		t.Error("older-but-within-retention entry lost across restart")
	}
	if _, ok := c2.Get("stale"); ok {
		t.Error("stale entry survived restart")
	}

	doc := readDoc(t, path)
	if len(doc.Messages) != 2 {
		t.Fatalf("file has %d messages, want 2", len(doc.Messages))
	}
	// Sorted ascending by timestamp.
	if doc.Messages[0].ID != "older" || doc.Messages[1].ID != "fresh" {
		t.Errorf("file order = [%s %s], want [older fresh]",
			doc.Messages[0].ID, doc.Messages[1].ID)
	}
	if doc.RetentionMs != (40 * time.Minute).Milliseconds() {
		t.Errorf("retentionMs = %d", doc.RetentionMs)
	}
}

func TestPruneExpired_ConcreteScenario(t *testing.T) {
	// Retention 40 minutes; an entry 41 minutes old must be absent
	// from memory and from the flushed file.
	path := filepath.Join(t.TempDir(), "messages.json")
	c := openCache(t, path, msgcache.Options{Retention: 40 * time.Minute})

	c.Put("old", entryAt("old", time.Now().Add(-41*time.Minute)))
	if dropped := c.PruneExpired(); dropped != 1 {
		t.Errorf("PruneExpired dropped %d, want 1", dropped)
	}
	if _, ok := c.Get("old"); ok {
		t.Error("entry still in memory after prune")
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	for _, m := range readDoc(t, path).Messages {
		if m.ID == "old" {
			t.Error("pruned entry present in durable file")
		}
	}
}

func TestFlush_PrunesInline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	c := openCache(t, path, msgcache.Options{Retention: 40 * time.Minute})

	c.Put("stale", entryAt("stale", time.Now().Add(-2*time.Hour)))
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(readDoc(t, path).Messages) != 0 {
		t.Error("flush serialized a stale entry")
	}
	if c.Len() != 0 {
		t.Error("stale entry still in memory after flush")
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := openCache(t, path, msgcache.Options{})
	if c.Len() != 0 {
		t.Errorf("Len = %d for malformed file, want 0", c.Len())
	}
	// The file is rewritten valid on open.
	if doc := readDoc(t, path); len(doc.Messages) != 0 {
		t.Errorf("rewritten file has %d messages", len(doc.Messages))
	}
}

func TestDebouncedFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	c := openCache(t, path, msgcache.Options{FlushDelay: 50 * time.Millisecond})

	for i := 0; i < 10; i++ {
		c.Put("burst", entryAt("burst", time.Now()))
	}
	// Before the debounce fires the file still reflects the open-time
	// rewrite (empty).
	if got := len(readDoc(t, path).Messages); got != 0 {
		t.Fatalf("file written before debounce elapsed (%d messages)", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(readDoc(t, path).Messages) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debounced flush never happened")
}

func TestCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	c := openCache(t, path, msgcache.Options{FlushDelay: time.Hour})

	c.Put("m1", entryAt("m1", time.Now()))
	// Shutdown immediately after the mutation: no data loss allowed.
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(readDoc(t, path).Messages) != 1 {
		t.Error("entry lost on shutdown before debounce fired")
	}
}

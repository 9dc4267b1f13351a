// Package msgcache is the bounded, persisted cache of recently seen
// messages, used for retrospective lookups such as recovering content
// after a delete event.
package msgcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults match the daemon's tuning; tests override via Options.
const (
	DefaultRetention     = 40 * time.Minute
	DefaultFlushDelay    = 1 * time.Second
	DefaultPruneInterval = 2 * time.Minute
)

// Entry is the persisted subset of a canonical message.
type Entry struct {
	ID          string `json:"id"`
	Body        string `json:"body"`
	SenderID    string `json:"senderId"`
	ChatID      string `json:"chatId"`
	HumanTime   string `json:"humanTime"`
	Timestamp   int64  `json:"timestamp"`
	ContentType string `json:"contentType"`
	FromMe      bool   `json:"fromMe"`
}

// document is the durable file layout: one JSON object with a
// timestamp header and the messages sorted ascending by timestamp.
type document struct {
	RetentionMs int64   `json:"retentionMs"`
	UpdatedAt   string  `json:"updatedAt"`
	Messages    []Entry `json:"messages"`
}

// Options tune a Cache. Zero values use the defaults.
type Options struct {
	Retention     time.Duration
	FlushDelay    time.Duration
	PruneInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is the in-memory map mirrored to a durable file with debounced
// writes and periodic pruning.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	path       string
	retention  time.Duration
	flushDelay time.Duration
	pruneEvery time.Duration
	now        func() time.Time
	log        *zap.Logger

	flushTimer *time.Timer
	stopCh     chan struct{}
	stopOnce   sync.Once
	doneCh     chan struct{}
}

// Open loads the durable file at path (malformed or missing content is
// an empty cache, never an error), prunes anything already stale, and
// rewrites the file to reflect that.
func Open(path string, log *zap.Logger, opts Options) (*Cache, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		entries:    make(map[string]Entry),
		path:       path,
		retention:  opts.Retention,
		flushDelay: opts.FlushDelay,
		pruneEvery: opts.PruneInterval,
		now:        opts.Now,
		log:        log,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	c.load()
	dropped := c.PruneExpired()
	if err := c.Flush(); err != nil {
		c.log.Warn("initial cache rewrite failed", zap.Error(err))
	}
	if dropped > 0 {
		c.log.Info("pruned stale cache entries on startup", zap.Int("dropped", dropped))
	}

	go c.pruneLoop()
	return c, nil
}

// load reads the durable file once. Any failure degrades to an empty
// cache.
func (c *Cache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("cache file unreadable, starting empty", zap.Error(err))
		}
		return
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		c.log.Warn("cache file malformed, starting empty", zap.Error(err))
		return
	}
	for _, e := range doc.Messages {
		if e.ID == "" {
			continue
		}
		c.entries[e.ID] = e
	}
}

// Put upserts an entry and schedules a debounced flush.
func (c *Cache) Put(id string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.ID = id
	c.entries[id] = e
	c.scheduleFlushLocked()
}

// Get returns the entry for id if present.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PruneExpired removes entries older than the retention window and
// returns how many were dropped.
func (c *Cache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().UnixMilli() - c.retention.Milliseconds()
	dropped := 0
	for id, e := range c.entries {
		if e.Timestamp < cutoff {
			delete(c.entries, id)
			dropped++
		}
	}
	if dropped > 0 {
		c.scheduleFlushLocked()
	}
	return dropped
}

// scheduleFlushLocked arms the debounce timer, replacing any pending
// one so bursts of mutations produce a single write.
func (c *Cache) scheduleFlushLocked() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.flushDelay, func() {
		if err := c.Flush(); err != nil {
			c.log.Warn("cache flush failed", zap.Error(err))
		}
	})
}

// Flush serializes the entire current map (pruned first) to the
// durable file as one JSON document, atomically via write-then-rename.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	cutoff := c.now().UnixMilli() - c.retention.Milliseconds()
	msgs := make([]Entry, 0, len(c.entries))
	for id, e := range c.entries {
		if e.Timestamp < cutoff {
			delete(c.entries, id)
			continue
		}
		msgs = append(msgs, e)
	}
	doc := document{
		RetentionMs: c.retention.Milliseconds(),
		UpdatedAt:   c.now().UTC().Format(time.RFC3339),
		Messages:    msgs,
	}
	c.mu.Unlock()

	sort.Slice(doc.Messages, func(i, j int) bool {
		return doc.Messages[i].Timestamp < doc.Messages[j].Timestamp
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

func (c *Cache) pruneLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.PruneExpired()
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the prune loop, cancels any pending debounce, and forces
// a final flush so a graceful shutdown loses nothing.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	return c.Flush()
}

// Package dispatch is the message ingestion pipeline: it normalizes
// inbound events, filters duplicates and stale replays, enforces mute
// windows, resolves command handlers, and records their latency.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/calebgw/chirp/internal/metrics"
	"github.com/calebgw/chirp/internal/msgcache"
	"github.com/calebgw/chirp/internal/ratelimit"
	"github.com/calebgw/chirp/internal/registry"
	"github.com/calebgw/chirp/internal/settings"
	"github.com/calebgw/chirp/internal/wa"
)

// Config tunes the pipeline.
type Config struct {
	Prefix   string
	OwnerJID string

	// Staleness drops non-self messages older than this; reconnect
	// history replay would otherwise re-trigger commands.
	Staleness time.Duration
	DedupTTL  time.Duration

	StatusAutoView bool
	StatusReact    string
}

// Dispatcher consumes events from the active connection handle. It is
// rebuilt never: the session manager hands it a fresh handle after each
// reconnect via the event sink.
type Dispatcher struct {
	cfg      Config
	owner    types.JID
	reg      *registry.Registry
	cache    *msgcache.Cache
	settings *settings.Store
	limits   *ratelimit.PerSender
	window   *metrics.Window
	dedup    *ttlSet
	log      *zap.Logger
	now      func() time.Time
}

// New builds a dispatcher. The owner JID in cfg is parsed leniently: a
// bare phone number is accepted as well as a full JID.
func New(cfg Config, reg *registry.Registry, cache *msgcache.Cache, store *settings.Store,
	limits *ratelimit.PerSender, window *metrics.Window, log *zap.Logger) *Dispatcher {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 45 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 60 * time.Second
	}
	owner := types.EmptyJID
	if cfg.OwnerJID != "" {
		// A bare phone number parses without error but lands in the
		// Server field, so check User before trusting the parse.
		if jid, err := types.ParseJID(cfg.OwnerJID); err == nil && jid.User != "" {
			owner = jid
		} else {
			owner = types.NewJID(strings.TrimPrefix(cfg.OwnerJID, "+"), types.DefaultUserServer)
		}
	}
	return &Dispatcher{
		cfg:      cfg,
		owner:    owner,
		reg:      reg,
		cache:    cache,
		settings: store,
		limits:   limits,
		window:   window,
		dedup:    newTTLSet(cfg.DedupTTL),
		log:      log,
		now:      time.Now,
	}
}

// HandleEvent is the sink attached to every connection handle.
func (d *Dispatcher) HandleEvent(ctx context.Context, client wa.Client, evt wa.Event) {
	switch v := evt.(type) {
	case wa.Message:
		d.handleMessage(ctx, client, v)
	case wa.MessageUpdate:
		d.handleUpdate(ctx, client, v)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, client wa.Client, evt wa.Message) {
	// Shape check: nothing to do for events with no content at all.
	if evt.Content == nil && evt.Info.Type == "" {
		return
	}
	now := d.now()

	// The potential-command peek logs before the staleness drop;
	// operators rely on seeing replayed commands that were discarded.
	isCommand := evt.Content != nil && HasCommandShape(evt.Content, d.cfg.Prefix)
	if isCommand {
		d.log.Debug("potential command",
			zap.String("id", evt.Info.ID),
			zap.Stringer("chat", evt.Info.Chat))
	}

	if !evt.Info.IsFromMe && !evt.Info.IsStatus && !evt.Info.Timestamp.IsZero() {
		if age := now.Sub(evt.Info.Timestamp); age > d.cfg.Staleness {
			d.log.Debug("dropping stale message",
				zap.String("id", evt.Info.ID),
				zap.Duration("age", age))
			return
		}
	}

	id := evt.Info.ID
	if id == "" {
		id = ulid.Make().String()
		evt.Info.ID = id
	}
	if d.dedup.Seen(id, now) {
		d.log.Debug("dropping duplicate message", zap.String("id", id))
		return
	}

	c := Canonicalize(evt.Info, evt.Content, d.cfg.Prefix, d.ownerFor(client), now)

	if c.IsStatus {
		d.handleStatus(ctx, client, c)
		return
	}

	// The cache write must survive anything dispatch does below, so
	// anti-delete lookups work even for failed commands.
	d.cache.Put(c.ID, msgcache.Entry{
		Body:        c.Body,
		SenderID:    c.Sender.ToNonAD().String(),
		ChatID:      c.Chat.String(),
		HumanTime:   c.Timestamp.Format(time.RFC1123),
		Timestamp:   c.Timestamp.UnixMilli(),
		ContentType: c.ContentType,
		FromMe:      c.FromMe,
	})

	if c.Command != "" && c.IsGroup {
		if blocked := d.muteGate(ctx, client, c); blocked {
			return
		}
	}

	if c.Command != "" {
		d.invokeCommand(ctx, client, c)
	}

	d.fanOut(ctx, client, c)
}

// ownerFor resolves the owner identity: the configured owner JID, or
// the paired account itself when none is configured.
func (d *Dispatcher) ownerFor(client wa.Client) types.JID {
	if !d.owner.IsEmpty() {
		return d.owner
	}
	return client.OwnID().ToNonAD()
}

// muteGate enforces the per-group mute window. Owners and group admins
// bypass it. Returns true when dispatch must stop.
func (d *Dispatcher) muteGate(ctx context.Context, client wa.Client, c *Canonical) bool {
	untilMs, err := d.settings.MuteUntil(ctx, c.Chat.String())
	if err != nil {
		d.log.Warn("mute lookup failed", zap.Error(err))
		return false
	}
	nowMs := d.now().UnixMilli()
	if untilMs <= nowMs {
		return false
	}
	if c.IsOwner || d.isGroupAdmin(ctx, client, c.Chat, c.Sender) {
		return false
	}

	remaining := time.Duration(untilMs-nowMs) * time.Millisecond
	minutes := int(math.Ceil(remaining.Minutes()))
	notice := fmt.Sprintf("This group is muted for another %d minute(s).", minutes)
	if err := client.SendText(ctx, c.Chat, notice); err != nil {
		d.log.Warn("mute notice failed", zap.Error(err))
	}
	return true
}

func (d *Dispatcher) isGroupAdmin(ctx context.Context, client wa.Client, chat, sender types.JID) bool {
	info, err := client.GroupInfo(ctx, chat)
	if err != nil {
		d.log.Debug("group info lookup failed", zap.Stringer("chat", chat), zap.Error(err))
		return false
	}
	target := sender.ToNonAD()
	for _, p := range info.Participants {
		if p.JID.ToNonAD() == target && (p.IsAdmin || p.IsSuperAdmin) {
			return true
		}
	}
	return false
}

// invokeCommand resolves and runs the matched handler, timing it into
// the rolling window. Handler failures never propagate.
func (d *Dispatcher) invokeCommand(ctx context.Context, client wa.Client, c *Canonical) {
	rec, ok := d.reg.Get(c.Command)
	if !ok {
		return
	}

	if !d.limits.Allow(c.Sender.ToNonAD().String()) {
		d.log.Debug("rate limited",
			zap.String("command", c.Command),
			zap.Stringer("sender", c.Sender))
		return
	}

	if _, err := d.settings.IncrCounter(ctx, c.Sender.ToNonAD().String(), "CMD_"+c.Command); err != nil {
		d.log.Debug("command counter failed", zap.Error(err))
	}

	if rec.React != "" {
		if err := client.React(ctx, c.Chat, c.Sender, c.ID, rec.React); err != nil {
			d.log.Debug("pre-reaction failed", zap.Error(err))
		}
	}

	start := d.now()
	reply, err := d.safeExecute(rec, d.handlerEnv(ctx, client, c))
	elapsed := time.Since(start)
	d.window.Record(elapsed)

	if err != nil {
		d.log.Error("command failed",
			zap.String("command", rec.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if sendErr := client.SendText(ctx, c.Chat, "Something went wrong running that command."); sendErr != nil {
			d.log.Warn("failure reply failed", zap.Error(sendErr))
		}
		return
	}

	d.log.Info("command executed",
		zap.String("command", rec.Name),
		zap.Duration("elapsed", elapsed),
		zap.Duration("rollingAvg", d.window.Average()))

	if reply != "" {
		if err := client.SendText(ctx, c.Chat, reply); err != nil {
			d.log.Warn("command reply failed", zap.Error(err))
		}
	}
}

// safeExecute isolates a handler invocation, turning panics from
// interpreted code into errors.
func (d *Dispatcher) safeExecute(rec *registry.Record, env map[string]any) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return rec.Execute(env)
}

// fanOut invokes every registered passive handler, each distinct record
// once, with per-handler error isolation.
func (d *Dispatcher) fanOut(ctx context.Context, client wa.Client, c *Canonical) {
	env := d.handlerEnv(ctx, client, c)
	for _, rec := range d.reg.Records() {
		if rec.OnMessage == nil {
			continue
		}
		if err := d.safePassive(rec.OnMessage, env); err != nil {
			d.log.Warn("passive handler failed",
				zap.String("command", rec.Name), zap.Error(err))
		}
	}
}

func (d *Dispatcher) safePassive(fn func(map[string]any) error, env map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(env)
}

// handleStatus processes status-broadcast events: auto-view and
// optional auto-react, never command dispatch.
func (d *Dispatcher) handleStatus(ctx context.Context, client wa.Client, c *Canonical) {
	if c.FromMe {
		return
	}
	if d.cfg.StatusAutoView {
		if err := client.MarkRead(ctx, c.Chat, c.Sender, c.ID, c.Timestamp); err != nil {
			d.log.Debug("status auto-view failed", zap.Error(err))
		}
	}
	if d.cfg.StatusReact != "" {
		if err := client.React(ctx, c.Chat, c.Sender, c.ID, d.cfg.StatusReact); err != nil {
			d.log.Debug("status auto-react failed", zap.Error(err))
		}
	}
}

// handleUpdate processes edit/delete notifications: the anti-delete
// lookup against the message cache, then the passive update fan-out.
func (d *Dispatcher) handleUpdate(ctx context.Context, client wa.Client, upd wa.MessageUpdate) {
	cached, found := d.cache.Get(upd.ID)

	owner := d.ownerFor(client)
	if upd.IsRevoke && !upd.FromMe && found && !owner.IsEmpty() && cached.Body != "" {
		notice := fmt.Sprintf("Deleted message from %s in %s:\n%s",
			cached.SenderID, cached.ChatID, cached.Body)
		if err := client.SendText(ctx, owner, notice); err != nil {
			d.log.Warn("anti-delete notice failed", zap.Error(err))
		}
	}

	env := map[string]any{
		"id":       upd.ID,
		"chat":     upd.Chat.String(),
		"sender":   upd.Sender.ToNonAD().String(),
		"isRevoke": upd.IsRevoke,
		"fromMe":   upd.FromMe,
	}
	if found {
		env["cachedBody"] = cached.Body
	}
	for _, rec := range d.reg.Records() {
		if rec.OnMessageUpdate == nil {
			continue
		}
		if err := d.safePassive(rec.OnMessageUpdate, env); err != nil {
			d.log.Warn("update handler failed",
				zap.String("command", rec.Name), zap.Error(err))
		}
	}
}

// handlerEnv builds the map handed to interpreted handlers. Only stdlib
// types cross the interpreter boundary.
func (d *Dispatcher) handlerEnv(ctx context.Context, client wa.Client, c *Canonical) map[string]any {
	chat := c.Chat
	sender := c.Sender
	return map[string]any{
		"id":         c.ID,
		"chat":       chat.String(),
		"sender":     sender.ToNonAD().String(),
		"pushName":   c.PushName,
		"body":       c.Body,
		"command":    c.Command,
		"args":       append([]string(nil), c.Args...),
		"isGroup":    c.IsGroup,
		"isOwner":    c.IsOwner,
		"fromMe":     c.FromMe,
		"timestamp":  c.Timestamp.UnixMilli(),
		"quotedId":   c.QuotedID,
		"quotedText": c.QuotedText,
		"prefix":     d.cfg.Prefix,
		"reply": func(text string) error {
			return client.SendText(ctx, chat, text)
		},
		"react": func(emoji string) error {
			return client.React(ctx, chat, sender, c.ID, emoji)
		},
		"cachedBody": func(id string) string {
			if e, ok := d.cache.Get(id); ok {
				return e.Body
			}
			return ""
		},
		"mute": func(minutes int) error {
			until := d.now().Add(time.Duration(minutes) * time.Minute).UnixMilli()
			return d.settings.SetMuteUntil(ctx, chat.String(), until)
		},
		"unmute": func() error {
			return d.settings.SetMuteUntil(ctx, chat.String(), 0)
		},
		"counter": func(key string) int64 {
			n, err := d.settings.Counter(ctx, chat.String(), key)
			if err != nil {
				return 0
			}
			return n
		},
		"recordMetric": func(ms int64) {
			d.window.Record(time.Duration(ms) * time.Millisecond)
		},
	}
}

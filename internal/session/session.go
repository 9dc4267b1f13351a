// Package session owns the connection handle and drives the session
// lifecycle: credential restore, connect, backoff reconnection, and
// logout detection.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/calebgw/chirp/internal/auth"
	"github.com/calebgw/chirp/internal/wa"
)

// Status is the lifecycle state of the machine.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Open
	Reconnecting
	LoggedOut
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case LoggedOut:
		return "logged-out"
	}
	return "unknown"
}

// ClientFactory builds one fresh connection handle per attempt.
type ClientFactory func(ctx context.Context) (wa.Client, error)

// EventSink receives every non-connection event from the active handle.
type EventSink func(ctx context.Context, client wa.Client, evt wa.Event)

// Config tunes the manager.
type Config struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	Footer        string
	// Credential is the out-of-band credential string, empty when the
	// environment provides none.
	Credential string
	// JoinTargets and FollowTargets are operator-supplied bootstrap
	// extras, merged with the fixed required targets.
	JoinTargets   []string
	FollowTargets []string
}

// requiredFollowTargets are joined/followed on every deployment.
var requiredFollowTargets = []string{
	"120363144038483540@newsletter",
}

// Manager is the session lifecycle state machine. It holds at most one
// active connection handle and at most one pending reconnect timer.
type Manager struct {
	cfg     Config
	factory ClientFactory
	store   *auth.Store
	sink    EventSink
	init    *InitOnce
	log     *zap.Logger

	mu             sync.Mutex
	status         Status
	client         wa.Client
	attempts       int
	reconnectTimer *time.Timer
	restored       bool
	bootstrapped   bool
	runID          string

	ctx      context.Context
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a manager. init may be shared across components that have
// process-wide one-time installs.
func New(cfg Config, factory ClientFactory, store *auth.Store, sink EventSink, init *InitOnce, log *zap.Logger) *Manager {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 2 * time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if init == nil {
		init = NewInitOnce()
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		store:   store,
		sink:    sink,
		init:    init,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start brings the machine from Disconnected to Open or a scheduled
// Reconnecting. It returns once the first attempt has been made; later
// transitions happen on connection events.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx = ctx

	m.init.Install("global-logging", func() {
		zap.ReplaceGlobals(m.log)
		zap.RedirectStdLog(m.log)
	})

	m.restoreCredentials()
	m.connect()
	return nil
}

// restoreCredentials populates the auth store from the out-of-band
// credential string, at most once per process and only when no usable
// local credentials exist.
func (m *Manager) restoreCredentials() {
	m.mu.Lock()
	already := m.restored
	m.restored = true
	m.mu.Unlock()
	if already {
		return
	}
	if m.store.HasCredentials() {
		m.log.Debug("local credentials present, skipping restore")
		return
	}
	if strings.TrimSpace(m.cfg.Credential) == "" {
		return
	}
	if err := m.store.Restore(m.cfg.Credential); err != nil {
		m.log.Warn("credential restore failed", zap.Error(err))
	}
}

// connect builds exactly one connection handle and wires it up. A
// connect-time error is treated as a close-with-reconnect.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.status == LoggedOut {
		m.mu.Unlock()
		return
	}
	m.status = Connecting
	m.runID = uuid.NewString()
	old := m.client
	m.client = nil
	runID := m.runID
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	m.log.Info("connecting", zap.String("run", runID), zap.Int("attempts", m.Attempts()))

	client, err := m.factory(m.ctx)
	if err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.handleClose(nil, wa.CloseGeneric)
		return
	}

	// The footer wrap is reapplied here on purpose: the handle is
	// rebuilt wholesale on every reconnect.
	wrapped := wa.WithFooter(client, m.cfg.Footer)

	m.mu.Lock()
	m.client = wrapped
	m.mu.Unlock()

	wrapped.OnEvent(func(evt wa.Event) {
		m.route(wrapped, evt)
	})

	if err := wrapped.Connect(); err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.handleClose(wrapped, wa.CloseGeneric)
	}
}

// route delivers events from a specific handle. Events from a replaced
// handle are stale and dropped.
func (m *Manager) route(from wa.Client, evt wa.Event) {
	m.mu.Lock()
	current := m.client
	m.mu.Unlock()
	if from != current {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in event handling", zap.Any("panic", r))
		}
	}()

	switch v := evt.(type) {
	case wa.Connected:
		m.handleOpen(from)
	case wa.Closed:
		m.handleClose(from, v.Code)
	default:
		m.sink(m.ctx, from, evt)
	}
}

func (m *Manager) handleOpen(client wa.Client) {
	m.mu.Lock()
	m.status = Open
	m.attempts = 0
	first := !m.bootstrapped
	m.bootstrapped = true
	m.mu.Unlock()

	m.log.Info("session open", zap.String("run", m.runID))
	if first {
		go m.bootstrap(client)
	}
}

func (m *Manager) handleClose(from wa.Client, code wa.CloseCode) {
	m.mu.Lock()
	if from != nil && from != m.client {
		m.mu.Unlock()
		return
	}
	if m.status == LoggedOut {
		m.mu.Unlock()
		return
	}

	if code == wa.CloseLoggedOut {
		m.status = LoggedOut
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.mu.Unlock()
		m.log.Warn("logged out, session terminated; re-authentication required")
		m.signalDone()
		return
	}

	m.attempts++
	m.status = Reconnecting
	attempts := m.attempts
	m.mu.Unlock()

	m.log.Warn("connection closed",
		zap.Stringer("code", code),
		zap.Int("attempts", attempts))
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. A second schedule
// request while one is pending is a no-op.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil || m.status == LoggedOut {
		return
	}
	delay := Backoff(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	m.log.Info("reconnect scheduled", zap.Duration("delay", delay))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.connect()
	})
}

// Backoff returns min(base << (attempts-1), cap). attempts < 1 is
// treated as 1.
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// bootstrap performs the one-time post-connect actions: auto-join and
// auto-follow. Every target is resolved defensively; failures are
// logged and skipped, never fatal.
func (m *Manager) bootstrap(client wa.Client) {
	for _, link := range dedupe(m.cfg.JoinTargets) {
		jid, err := client.JoinGroupWithLink(m.ctx, link)
		if err != nil {
			m.log.Warn("auto-join skipped", zap.String("target", link), zap.Error(err))
			continue
		}
		m.log.Info("auto-joined group", zap.Stringer("group", jid))
	}

	for _, target := range dedupe(append(append([]string{}, requiredFollowTargets...), m.cfg.FollowTargets...)) {
		jid, err := types.ParseJID(target)
		if err != nil {
			m.log.Warn("auto-follow skipped, invalid target",
				zap.String("target", target), zap.Error(err))
			continue
		}
		if err := client.FollowChannel(m.ctx, jid); err != nil {
			m.log.Warn("auto-follow skipped", zap.Stringer("channel", jid), zap.Error(err))
			continue
		}
		m.log.Info("auto-followed channel", zap.Stringer("channel", jid))
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the current reconnect attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// PendingReconnects returns 1 when a reconnect timer is armed, else 0.
func (m *Manager) PendingReconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil {
		return 1
	}
	return 0
}

// Client returns the active connection handle, or nil.
func (m *Manager) Client() wa.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Done is closed when the machine terminates (explicit logout).
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) signalDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Stop tears the session down without marking it logged out: the
// stored credentials stay valid for the next process start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	client := m.client
	m.client = nil
	m.status = Disconnected
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	m.signalDone()
}

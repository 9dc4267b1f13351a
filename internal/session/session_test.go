package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap/zaptest"

	"github.com/calebgw/chirp/internal/auth"
	"github.com/calebgw/chirp/internal/session"
	"github.com/calebgw/chirp/internal/wa"
)

// fakeConn is one connection handle under test control. Events are
// injected through emit after Connect.
type fakeConn struct {
	mu           sync.Mutex
	sink         func(wa.Event)
	connected    bool
	disconnected bool
	connectErr   error

	sent    []string
	joined  []string
	follows []types.JID
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeConn) IsLoggedIn() bool { return true }
func (f *fakeConn) OwnID() types.JID { return types.NewJID("15550009999", types.DefaultUserServer) }

func (f *fakeConn) OnEvent(fn func(wa.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = fn
}

func (f *fakeConn) emit(evt wa.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

func (f *fakeConn) SendText(_ context.Context, _ types.JID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) React(context.Context, types.JID, types.JID, string, string) error { return nil }
func (f *fakeConn) MarkRead(context.Context, types.JID, types.JID, string, time.Time) error {
	return nil
}
func (f *fakeConn) GroupInfo(_ context.Context, jid types.JID) (*wa.GroupInfo, error) {
	return &wa.GroupInfo{JID: jid}, nil
}

func (f *fakeConn) JoinGroupWithLink(_ context.Context, link string) (types.JID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, link)
	return types.NewJID("group", types.GroupServer), nil
}

func (f *fakeConn) FollowChannel(_ context.Context, jid types.JID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.follows = append(f.follows, jid)
	return nil
}

func (f *fakeConn) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeConn) followed() []types.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JID(nil), f.follows...)
}

// connFactory hands out one fakeConn per connect attempt and remembers
// them all.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error // consumed per attempt; nil entries succeed
}

func (cf *connFactory) factory(context.Context) (wa.Client, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if len(cf.errs) > 0 {
		err := cf.errs[0]
		cf.errs = cf.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{}
	cf.conns = append(cf.conns, c)
	return c, nil
}

func (cf *connFactory) count() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.conns)
}

func (cf *connFactory) last() *fakeConn {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if len(cf.conns) == 0 {
		return nil
	}
	return cf.conns[len(cf.conns)-1]
}

type sunkEvent struct {
	client wa.Client
	evt    wa.Event
}

type recordingSink struct {
	mu     sync.Mutex
	events []sunkEvent
}

func (rs *recordingSink) sink(_ context.Context, client wa.Client, evt wa.Event) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.events = append(rs.events, sunkEvent{client: client, evt: evt})
}

func (rs *recordingSink) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.events)
}

func newManager(t *testing.T, cfg session.Config, cf *connFactory, sink session.EventSink) *session.Manager {
	t.Helper()
	store, err := auth.NewStore(t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if sink == nil {
		sink = func(context.Context, wa.Client, wa.Event) {}
	}
	m := session.New(cfg, cf.factory, store, sink, session.NewInitOnce(), zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	cap := 30 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := session.Backoff(tt.attempts, base, cap); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestStartToOpen(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{ReconnectBase: time.Hour}, cf, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cf.count() != 1 {
		t.Fatalf("factory built %d handles, want 1", cf.count())
	}

	cf.last().emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatalf("status = %v, want open", m.Status())
	}
	if m.Attempts() != 0 {
		t.Errorf("attempts = %d after open, want 0", m.Attempts())
	}
}

func TestSinglePendingReconnect(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{ReconnectBase: time.Hour, ReconnectCap: time.Hour}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := cf.last()
	conn.emit(wa.Connected{})
	conn.emit(wa.Closed{Code: wa.CloseGeneric})
	conn.emit(wa.Closed{Code: wa.CloseGeneric})
	conn.emit(wa.Closed{Code: wa.CloseGeneric})

	if m.Status() != session.Reconnecting {
		t.Fatalf("status = %v, want reconnecting", m.Status())
	}
	if m.PendingReconnects() != 1 {
		t.Errorf("PendingReconnects = %d, want 1", m.PendingReconnects())
	}
	// The base is an hour out, so no second handle appears.
	if cf.count() != 1 {
		t.Errorf("factory built %d handles, want 1", cf.count())
	}
}

func TestReconnectBuildsFreshHandle(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{ReconnectBase: 5 * time.Millisecond, ReconnectCap: 10 * time.Millisecond}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := cf.last()
	first.emit(wa.Connected{})
	first.emit(wa.Closed{Code: wa.CloseGeneric})

	if !waitFor(t, 2*time.Second, func() bool { return cf.count() == 2 }) {
		t.Fatalf("factory built %d handles, want 2", cf.count())
	}
	second := cf.last()
	if second == first {
		t.Fatal("reconnect reused the old handle")
	}

	second.emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatalf("status = %v, want open after reconnect", m.Status())
	}
	if m.Attempts() != 0 {
		t.Errorf("attempts = %d after successful reconnect, want 0", m.Attempts())
	}
}

func TestConnectFailureRetries(t *testing.T) {
	cf := &connFactory{errs: []error{errors.New("dial failed")}}
	m := newManager(t, session.Config{ReconnectBase: 5 * time.Millisecond, ReconnectCap: 10 * time.Millisecond}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// First attempt errored in the factory; the retry succeeds.
	if !waitFor(t, 2*time.Second, func() bool { return cf.count() == 1 }) {
		t.Fatalf("no handle built after factory failure")
	}
	cf.last().emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatalf("status = %v, want open", m.Status())
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{ReconnectBase: 5 * time.Millisecond}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := cf.last()
	conn.emit(wa.Connected{})
	conn.emit(wa.Closed{Code: wa.CloseLoggedOut})

	if m.Status() != session.LoggedOut {
		t.Fatalf("status = %v, want logged-out", m.Status())
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after logout")
	}

	// No reconnect ever fires.
	time.Sleep(30 * time.Millisecond)
	if cf.count() != 1 {
		t.Errorf("factory built %d handles after logout, want 1", cf.count())
	}
	if m.PendingReconnects() != 0 {
		t.Errorf("PendingReconnects = %d after logout, want 0", m.PendingReconnects())
	}
}

func TestStaleHandleEventsDropped(t *testing.T) {
	cf := &connFactory{}
	sink := &recordingSink{}
	m := newManager(t, session.Config{ReconnectBase: 5 * time.Millisecond, ReconnectCap: 10 * time.Millisecond}, cf, sink.sink)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := cf.last()
	first.emit(wa.Connected{})
	first.emit(wa.Closed{Code: wa.CloseGeneric})
	if !waitFor(t, 2*time.Second, func() bool { return cf.count() == 2 }) {
		t.Fatal("no reconnect handle built")
	}
	second := cf.last()
	second.emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatal("second handle never opened")
	}

	// A straggler from the replaced handle is dropped, including a
	// close that would otherwise trigger another reconnect cycle.
	first.emit(wa.Message{Info: wa.MessageInfo{ID: "stale"}})
	first.emit(wa.Closed{Code: wa.CloseGeneric})

	if sink.count() != 0 {
		t.Errorf("stale message reached the sink (%d events)", sink.count())
	}
	if m.Status() != session.Open {
		t.Errorf("status = %v after stale close, want open", m.Status())
	}

	second.emit(wa.Message{Info: wa.MessageInfo{ID: "live"}})
	if sink.count() != 1 {
		t.Errorf("live message did not reach the sink (%d events)", sink.count())
	}
}

func TestFooterAppliedAcrossReconnect(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectCap:  10 * time.Millisecond,
		Footer:        "sent by chirp",
	}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := cf.last()
	first.emit(wa.Connected{})
	jid := types.NewJID("15550001111", types.DefaultUserServer)
	if err := m.Client().SendText(context.Background(), jid, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := first.sentTexts(); len(got) != 1 || got[0] != "hello\n\nsent by chirp" {
		t.Fatalf("first handle sent %q", got)
	}

	first.emit(wa.Closed{Code: wa.CloseGeneric})
	if !waitFor(t, 2*time.Second, func() bool { return cf.count() == 2 }) {
		t.Fatal("no reconnect handle built")
	}
	second := cf.last()
	second.emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatal("second handle never opened")
	}

	if err := m.Client().SendText(context.Background(), jid, "again"); err != nil {
		t.Fatal(err)
	}
	if got := second.sentTexts(); len(got) != 1 || got[0] != "again\n\nsent by chirp" {
		t.Fatalf("second handle sent %q (footer lost on reconnect)", got)
	}
}

func TestBootstrapRunsOncePerProcess(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectCap:  10 * time.Millisecond,
		JoinTargets:   []string{"https://chat.example/invite", "https://chat.example/invite"},
		FollowTargets: []string{"120363999999999999@newsletter"},
	}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := cf.last()
	first.emit(wa.Connected{})

	if !waitFor(t, 2*time.Second, func() bool { return len(first.followed()) == 2 }) {
		t.Fatalf("follows = %v, want required + configured", first.followed())
	}
	first.mu.Lock()
	joined := append([]string(nil), first.joined...)
	first.mu.Unlock()
	if len(joined) != 1 {
		t.Errorf("joined = %v, want the invite link once", joined)
	}

	// Reconnect: the second open does not bootstrap again.
	first.emit(wa.Closed{Code: wa.CloseGeneric})
	if !waitFor(t, 2*time.Second, func() bool { return cf.count() == 2 }) {
		t.Fatal("no reconnect handle built")
	}
	second := cf.last()
	second.emit(wa.Connected{})
	if !waitFor(t, time.Second, func() bool { return m.Status() == session.Open }) {
		t.Fatal("second handle never opened")
	}
	time.Sleep(30 * time.Millisecond)
	if len(second.followed()) != 0 || func() int {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.joined)
	}() != 0 {
		t.Error("bootstrap ran again after reconnect")
	}
}

func TestCredentialRestoreOnStart(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	// Export a credential string from a seeded store, then start a
	// manager pointed at an empty directory with that string.
	seed, err := auth.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(seed.SessionPath(), []byte("sqlite-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	cred, err := seed.Export()
	if err != nil {
		t.Fatal(err)
	}

	store, err := auth.NewStore(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	cf := &connFactory{}
	m := session.New(session.Config{ReconnectBase: time.Hour, Credential: cred},
		cf.factory, store, func(context.Context, wa.Client, wa.Event) {}, session.NewInitOnce(), log)
	t.Cleanup(m.Stop)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("session.db not restored: %v", err)
	}
	if string(data) != "sqlite-bytes" {
		t.Errorf("restored bytes = %q", data)
	}
}

func TestStopDisconnectsAndSignals(t *testing.T) {
	cf := &connFactory{}
	m := newManager(t, session.Config{ReconnectBase: time.Hour}, cf, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := cf.last()
	conn.emit(wa.Connected{})

	m.Stop()

	conn.mu.Lock()
	disconnected := conn.disconnected
	conn.mu.Unlock()
	if !disconnected {
		t.Error("Stop did not disconnect the handle")
	}
	if m.Status() != session.Disconnected {
		t.Errorf("status = %v, want disconnected", m.Status())
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

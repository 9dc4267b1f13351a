package wa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

const groupInviteBase = "https://chat.whatsapp.com/"

// Meow is the whatsmeow-backed connection handle.
type Meow struct {
	cli  *whatsmeow.Client
	sink func(Event)
}

var _ Client = (*Meow)(nil)

// NewMeow opens the session database at dbPath and builds a fresh
// connection handle around the first stored device. A new device is
// created when the store is empty (pairing required before use).
func NewMeow(ctx context.Context, dbPath string, log waLog.Logger) (*Meow, error) {
	container, err := sqlstore.New(ctx, "sqlite",
		fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath), log.Sub("Store"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	m := &Meow{cli: whatsmeow.NewClient(device, log.Sub("Client"))}
	// The session manager is the sole reconnect authority. The
	// library's automatic reconnect would race it: both would pace
	// reconnection, each with its own backoff, against the same close.
	m.cli.EnableAutoReconnect = false
	m.cli.AddEventHandler(m.handleEvent)
	return m, nil
}

// Factory returns a ClientFactory for the session manager: one fresh
// handle per connection attempt, sharing the same session database.
func Factory(dbPath string, log waLog.Logger) func(context.Context) (Client, error) {
	return func(ctx context.Context) (Client, error) {
		return NewMeow(ctx, dbPath, log)
	}
}

// IsPaired reports whether the session store holds a registered device.
func (m *Meow) IsPaired() bool {
	return m.cli.Store.ID != nil
}

// PairPhone requests a pairing code for the given phone number. The
// client must be connected (unauthenticated connect) first.
func (m *Meow) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := m.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	return code, nil
}

func (m *Meow) Connect() error {
	return m.cli.Connect()
}

func (m *Meow) Disconnect() {
	m.cli.Disconnect()
}

func (m *Meow) IsLoggedIn() bool {
	return m.cli.IsLoggedIn()
}

func (m *Meow) OwnID() types.JID {
	if m.cli.Store.ID == nil {
		return types.EmptyJID
	}
	return m.cli.Store.ID.ToNonAD()
}

func (m *Meow) SendText(ctx context.Context, chat types.JID, text string) error {
	_, err := m.cli.SendMessage(ctx, chat, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (m *Meow) React(ctx context.Context, chat, sender types.JID, messageID, emoji string) error {
	msg := m.cli.BuildReaction(chat, sender, types.MessageID(messageID), emoji)
	_, err := m.cli.SendMessage(ctx, chat, msg)
	return err
}

func (m *Meow) MarkRead(ctx context.Context, chat, sender types.JID, messageID string, ts time.Time) error {
	return m.cli.MarkRead(ctx, []types.MessageID{types.MessageID(messageID)}, ts, chat, sender)
}

func (m *Meow) GroupInfo(ctx context.Context, jid types.JID) (*GroupInfo, error) {
	gi, err := m.cli.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info %s: %w", jid, err)
	}
	out := &GroupInfo{JID: gi.JID, Name: gi.Name}
	for _, p := range gi.Participants {
		out.Participants = append(out.Participants, Participant{
			JID:          p.JID,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return out, nil
}

func (m *Meow) JoinGroupWithLink(ctx context.Context, link string) (types.JID, error) {
	code := strings.TrimPrefix(strings.TrimSpace(link), groupInviteBase)
	jid, err := m.cli.JoinGroupWithLink(ctx, code)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("join group: %w", err)
	}
	return jid, nil
}

func (m *Meow) FollowChannel(ctx context.Context, jid types.JID) error {
	if err := m.cli.FollowNewsletter(ctx, jid); err != nil {
		return fmt.Errorf("follow channel %s: %w", jid, err)
	}
	return nil
}

func (m *Meow) OnEvent(fn func(Event)) {
	m.sink = fn
}

func (m *Meow) emit(evt Event) {
	if m.sink != nil {
		m.sink(evt)
	}
}

// handleEvent adapts raw library events to the boundary types. Only the
// events the daemon consumes are translated; the rest are dropped here.
func (m *Meow) handleEvent(raw interface{}) {
	switch v := raw.(type) {
	case *events.Connected:
		m.emit(Connected{})
	case *events.LoggedOut:
		m.emit(Closed{Code: CloseLoggedOut})
	case *events.StreamReplaced:
		m.emit(Closed{Code: CloseGeneric})
	case *events.Disconnected:
		m.emit(Closed{Code: CloseGeneric})
	case *events.ConnectFailure:
		code := CloseGeneric
		if v.Reason == events.ConnectFailureLoggedOut {
			code = CloseLoggedOut
		}
		m.emit(Closed{Code: code})
	case *events.Message:
		m.emitMessage(v)
	}
}

func (m *Meow) emitMessage(v *events.Message) {
	if pm := v.Message.GetProtocolMessage(); pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		key := pm.GetKey()
		m.emit(MessageUpdate{
			Chat:     v.Info.Chat,
			Sender:   v.Info.Sender,
			ID:       key.GetID(),
			IsRevoke: true,
			FromMe:   key.GetFromMe() || v.Info.IsFromMe,
		})
		return
	}

	// Prefer the raw payload so the pipeline sees the wrapper chain
	// (ephemeral, view-once) exactly as delivered.
	content := v.RawMessage
	if content == nil {
		content = v.Message
	}
	m.emit(Message{
		Info: MessageInfo{
			ID:        string(v.Info.ID),
			Chat:      v.Info.Chat,
			Sender:    v.Info.Sender,
			Timestamp: v.Info.Timestamp,
			PushName:  v.Info.PushName,
			IsFromMe:  v.Info.IsFromMe,
			IsGroup:   v.Info.IsGroup,
			IsStatus:  v.Info.Chat == types.StatusBroadcastJID,
			Type:      v.Info.Type,
		},
		Content: content,
	})
}

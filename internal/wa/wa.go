// Package wa is the boundary to the chat-protocol client library. The
// rest of the daemon works against the Client interface and the event
// types here; only the whatsmeow-backed implementation knows about the
// wire protocol.
package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// CloseCode classifies why a connection handle closed.
type CloseCode int

const (
	// CloseGeneric is any recoverable close: transport error, server
	// restart, connect failure. Always followed by a reconnect.
	CloseGeneric CloseCode = iota
	// CloseLoggedOut means the account was deliberately logged out.
	// Terminal: reconnecting would loop on an auth failure.
	CloseLoggedOut
)

func (c CloseCode) String() string {
	if c == CloseLoggedOut {
		return "logged-out"
	}
	return "generic"
}

// MessageInfo carries the identity of one inbound message.
type MessageInfo struct {
	ID        string
	Chat      types.JID
	Sender    types.JID
	Timestamp time.Time
	PushName  string
	IsFromMe  bool
	IsGroup   bool
	IsStatus  bool
	Type      string
}

// Event is a normalized notification from the connection handle.
type Event interface{ isEvent() }

// Connected signals the handle reached the open state.
type Connected struct{}

// Closed signals the handle closed with the given code.
type Closed struct{ Code CloseCode }

// Message is one inbound message event. Content is the raw protocol
// payload, wrapper chain intact; the dispatch pipeline unwraps it.
type Message struct {
	Info    MessageInfo
	Content *waE2E.Message
}

// MessageUpdate is an edit or delete-for-everyone notification
// referring to a previously delivered message.
type MessageUpdate struct {
	Chat     types.JID
	Sender   types.JID
	ID       string
	IsRevoke bool
	FromMe   bool
}

func (Connected) isEvent()     {}
func (Closed) isEvent()        {}
func (Message) isEvent()       {}
func (MessageUpdate) isEvent() {}

// Participant is one group member as reported by the server.
type Participant struct {
	JID          types.JID
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupInfo is the subset of group metadata the pipeline needs.
type GroupInfo struct {
	JID          types.JID
	Name         string
	Participants []Participant
}

// Client is one connection handle. A handle is built per connection
// attempt and never reused after close; callers must not cache it
// across reconnects.
type Client interface {
	Connect() error
	Disconnect()
	IsLoggedIn() bool
	OwnID() types.JID

	SendText(ctx context.Context, chat types.JID, text string) error
	React(ctx context.Context, chat, sender types.JID, messageID, emoji string) error
	MarkRead(ctx context.Context, chat, sender types.JID, messageID string, ts time.Time) error

	GroupInfo(ctx context.Context, jid types.JID) (*GroupInfo, error)
	JoinGroupWithLink(ctx context.Context, link string) (types.JID, error)
	FollowChannel(ctx context.Context, jid types.JID) error

	// OnEvent registers the single event sink for this handle. Must be
	// called before Connect.
	OnEvent(fn func(Event))
}

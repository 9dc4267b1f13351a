package dispatch

import (
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/calebgw/chirp/internal/wa"
)

// maxUnwrap caps the wrapper peel loop. The wrapper set is closed and
// never nests deeper than a couple of levels in practice; the cap keeps
// malformed input from looping.
const maxUnwrap = 5

// Canonical is the pipeline's normalized, immutable view of one inbound
// message. It lives for the duration of the dispatch call only.
type Canonical struct {
	ID        string
	Chat      types.JID
	Sender    types.JID
	Timestamp time.Time
	PushName  string

	IsGroup  bool
	IsOwner  bool
	FromMe   bool
	IsStatus bool

	Body        string
	ContentType string

	// Command and Args are populated only when Body starts with the
	// active prefix.
	Command string
	Args    []string

	QuotedID   string
	QuotedText string

	// Peeled records which wrappers were removed, innermost last.
	Peeled []string
}

// Unwrap peels the closed set of wrapper variants off a message and
// returns the innermost content plus the trace of peeled wrappers.
func Unwrap(msg *waE2E.Message) (*waE2E.Message, []string) {
	var trace []string
	for i := 0; i < maxUnwrap && msg != nil; i++ {
		inner, label := peelOne(msg)
		if inner == nil {
			break
		}
		trace = append(trace, label)
		msg = inner
	}
	return msg, trace
}

// peelOne removes a single wrapper layer, or returns nil when msg is
// already innermost content.
func peelOne(msg *waE2E.Message) (*waE2E.Message, string) {
	switch {
	case msg.GetEphemeralMessage().GetMessage() != nil:
		return msg.GetEphemeralMessage().GetMessage(), "ephemeral"
	case msg.GetViewOnceMessage().GetMessage() != nil:
		return msg.GetViewOnceMessage().GetMessage(), "viewOnce"
	case msg.GetViewOnceMessageV2().GetMessage() != nil:
		return msg.GetViewOnceMessageV2().GetMessage(), "viewOnceV2"
	case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
		return msg.GetViewOnceMessageV2Extension().GetMessage(), "viewOnceV2Ext"
	case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
		return msg.GetDocumentWithCaptionMessage().GetMessage(), "documentWithCaption"
	case msg.GetEditedMessage().GetMessage() != nil:
		return msg.GetEditedMessage().GetMessage(), "edited"
	}
	return nil, ""
}

// ExtractBody returns the best-effort text of an unwrapped message and
// its content type. Reply payloads (buttons, lists, templates) take
// priority over caption text: a reply payload is the user's actual
// intent.
func ExtractBody(msg *waE2E.Message) (string, string) {
	if msg == nil {
		return "", ""
	}
	switch {
	case msg.GetButtonsResponseMessage() != nil:
		br := msg.GetButtonsResponseMessage()
		if t := br.GetSelectedDisplayText(); t != "" {
			return t, "buttonsResponse"
		}
		return br.GetSelectedButtonID(), "buttonsResponse"
	case msg.GetListResponseMessage() != nil:
		lr := msg.GetListResponseMessage()
		if t := lr.GetSingleSelectReply().GetSelectedRowID(); t != "" {
			return t, "listResponse"
		}
		return lr.GetTitle(), "listResponse"
	case msg.GetTemplateButtonReplyMessage() != nil:
		return msg.GetTemplateButtonReplyMessage().GetSelectedDisplayText(), "templateReply"
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption(), "image"
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption(), "video"
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption(), "document"
	case msg.GetAudioMessage() != nil:
		return "", "audio"
	case msg.GetStickerMessage() != nil:
		return "", "sticker"
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText(), "extendedText"
	case msg.GetConversation() != "":
		return msg.GetConversation(), "text"
	}
	return "", "unknown"
}

// Canonicalize builds the canonical message for one inbound event.
// prefix is the active command prefix; owner is the configured owner
// JID (may be empty). now supplies the receipt time used when the
// protocol timestamp is absent.
func Canonicalize(info wa.MessageInfo, content *waE2E.Message, prefix string, owner types.JID, now time.Time) *Canonical {
	inner, peeled := Unwrap(content)
	body, contentType := ExtractBody(inner)

	ts := info.Timestamp
	if ts.IsZero() || ts.Unix() <= 0 {
		ts = now
	}

	c := &Canonical{
		ID:          info.ID,
		Chat:        info.Chat,
		Sender:      info.Sender,
		Timestamp:   ts,
		PushName:    info.PushName,
		IsGroup:     info.IsGroup,
		FromMe:      info.IsFromMe,
		IsStatus:    info.IsStatus,
		Body:        body,
		ContentType: contentType,
		Peeled:      peeled,
	}
	c.IsOwner = info.IsFromMe || (!owner.IsEmpty() && info.Sender.ToNonAD().User == owner.User)

	if ext := inner.GetExtendedTextMessage(); ext != nil {
		if ci := ext.GetContextInfo(); ci.GetQuotedMessage() != nil {
			c.QuotedID = ci.GetStanzaID()
			quotedInner, _ := Unwrap(ci.GetQuotedMessage())
			c.QuotedText, _ = ExtractBody(quotedInner)
		}
	}

	if cmd, args, ok := parseCommand(body, prefix); ok {
		c.Command = cmd
		c.Args = args
	}
	return c
}

// parseCommand splits ".cmd arg1 arg2" into its command and args when
// body starts with the prefix.
func parseCommand(body, prefix string) (string, []string, bool) {
	body = strings.TrimSpace(body)
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", nil, false
	}
	rest := strings.TrimPrefix(body, prefix)
	fields := strings.Fields(rest)
	if len(fields) == 0 || fields[0] == "" {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// HasCommandShape is the cheap pre-canonicalization peek used for the
// "potential command" log line.
func HasCommandShape(content *waE2E.Message, prefix string) bool {
	inner, _ := Unwrap(content)
	body, _ := ExtractBody(inner)
	_, _, ok := parseCommand(body, prefix)
	return ok
}

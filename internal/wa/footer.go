package wa

import (
	"context"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// footerClient decorates a Client so every outbound text passes through
// the footer post-processor. The session manager reapplies this after
// every reconnect because the underlying handle is rebuilt wholesale.
type footerClient struct {
	Client
	footer string
}

// WithFooter wraps c so SendText appends the footer. An empty footer
// returns c unchanged.
func WithFooter(c Client, footer string) Client {
	footer = strings.TrimSpace(footer)
	if footer == "" {
		return c
	}
	return &footerClient{Client: c, footer: footer}
}

func (f *footerClient) SendText(ctx context.Context, chat types.JID, text string) error {
	if strings.TrimSpace(text) == "" {
		return f.Client.SendText(ctx, chat, text)
	}
	return f.Client.SendText(ctx, chat, text+"\n\n"+f.footer)
}

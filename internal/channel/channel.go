// Package channel connects the orchestrator to chat transports. A Channel
// delivers inbound messages to a handler and sends the bot's replies back.
package channel

import (
	"context"

	"burrow/internal/store"
)

// InboundHandler receives every message the transport sees. chatName is the
// transport's display name for the chat, best effort.
type InboundHandler func(ctx context.Context, msg *store.Message, chatName string)

// Channel is a chat transport.
type Channel interface {
	// Connect authenticates and starts receiving messages. It returns once
	// the transport is live; reception continues in the background until
	// Disconnect or ctx cancellation.
	Connect(ctx context.Context) error
	// Disconnect stops reception and releases the transport.
	Disconnect(ctx context.Context) error
	// SendMessage delivers text to a chat, splitting when the transport
	// limits message length.
	SendMessage(ctx context.Context, chatID, text string) error
	// SetTyping signals that the bot is working on a reply. Best effort.
	SetTyping(ctx context.Context, chatID string) error
	Name() string
}

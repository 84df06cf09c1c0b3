// Package gateway maps external chat platform threads onto Sessions: an
// inbound message from Discord or Telegram becomes a prompt against a
// mapped (or newly created) Session; an assistant reply routes back out
// through the same binding. The binding itself — GatewayChannel and
// ThreadSessionMap — lives in the relational store; this package owns only
// the connector lifecycles and the routing glue between them and the
// session engine.
package gateway

import "context"

// InboundMessage is what a GatewayConnector hands the Router for every
// message it receives, regardless of platform.
type InboundMessage struct {
	ChannelKey string            // authenticates which GatewayChannel this belongs to
	ThreadID   string            // platform-specific thread/chat/topic identifier
	Text       string
	Metadata   map[string]string // carries requires_mapping_verification and platform extras
}

// InboundHandler is invoked by a connector's listener loop for every
// message it receives. It runs the engine's durable prompt-gate steps
// synchronously but returns as soon as those commit, same as the HTTP
// prompt route — it never blocks the connector's read loop on the full
// agent turn.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// GatewayConnector is the platform-specific half of C9: a push-mode
// listener that forwards inbound messages to the Router, and a sender that
// relays an assistant reply into an existing thread.
type GatewayConnector interface {
	// ChannelType names the platform this connector serves, matching
	// store.GatewayChannel.ChannelType ("discord", "telegram").
	ChannelType() string

	// StartListening opens the platform connection and begins forwarding
	// inbound messages to handler. Returns once the connection is live;
	// message delivery continues on the connector's own goroutine(s)
	// until StopListening is called or ctx is done.
	StartListening(ctx context.Context, handler InboundHandler) error

	// StopListening closes the platform connection.
	StopListening() error

	// SendMessage delivers text into threadID. Any platform-specific
	// adaptation happens inside the implementation (the Discord connector
	// splits long text into 2000-byte chunks); the interface has no separate
	// formatting method.
	SendMessage(ctx context.Context, threadID, text string) error
}

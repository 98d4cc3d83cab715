package transport

import "context"

// TokenSource supplies the current session credential for transports that
// authenticate at the HTTP layer (the polling fallback).
type TokenSource interface {
	Token() string
}

// Interface is one persistent delivery mechanism for server-pushed frames.
// Implementations own their reconnection policy; the channel manager only
// observes connect/disconnect edges.
type Interface interface {
	// Start begins delivering frames and returns immediately. The transport
	// runs until ctx is cancelled or Close is called. Start may only be
	// called once.
	Start(ctx context.Context) error

	// Send writes one frame to the server. It fails when no connection is up.
	Send(ctx context.Context, payload []byte) error

	// SetMessageHandler sets the handler for inbound frames. Frames received
	// before the handler is set are discarded.
	SetMessageHandler(fn func(payload []byte))

	// SetConnectHandler is invoked on every successful (re)connect, before
	// any frame is delivered. The channel manager runs its authentication
	// handshake here.
	SetConnectHandler(fn func())

	// SetDisconnectHandler is invoked when an established connection drops.
	SetDisconnectHandler(fn func(err error))

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

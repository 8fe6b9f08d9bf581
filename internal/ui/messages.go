package ui

import (
	"github.com/palemoky/discord-relay/internal/peer"
	"github.com/palemoky/discord-relay/internal/protocol"
)

// --- Tea Messages ---

// ConnectedMsg indicates successful connection.
type ConnectedMsg struct{}

// ConnectionErrorMsg indicates a connection error.
type ConnectionErrorMsg struct {
	Err error
}

// IncomingMsg wraps a frame received from the relay.
type IncomingMsg struct {
	In peer.Incoming
}

// MirrorMsg wraps an event read from the Redis mirror channel.
type MirrorMsg struct {
	Envelope protocol.Envelope
}

// MirrorClosedMsg indicates the mirror subscription ended.
type MirrorClosedMsg struct{}

// ReconnectingMsg indicates a reconnect attempt.
type ReconnectingMsg struct {
	Attempt  int
	MaxTries int
}

// ReconnectSuccessMsg indicates a successful reconnect.
type ReconnectSuccessMsg struct{}

// ClosedMsg indicates the client gave up reconnecting.
type ClosedMsg struct{}

// ClearNotificationMsg clears a temporary notification.
type ClearNotificationMsg struct{}

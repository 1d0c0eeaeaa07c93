package models

// ConnectionState represents the live transport status of a session.
// Not persisted; lifecycle-scoped to one conversation.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// StreamingState holds the at-most-one in-flight assistant message for a
// session. Invariant: IsTyping implies Message != nil while deltas are being
// received; both reset together on finalize or fatal error.
type StreamingState struct {
	Message  *Message
	IsTyping bool
}

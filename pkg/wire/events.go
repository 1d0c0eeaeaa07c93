// Package wire translates raw JSON frames exchanged with the backend into
// tagged event variants and back.
//
// Inbound frames are discriminated by a "type" field. Decode failures are
// reported as errors for the caller to log and drop — a malformed frame must
// never take the connection down. Citation payloads are normalized
// defensively: missing, null, or mistyped optional fields are tolerated.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/evidentia-ai/consult/pkg/models"
)

// Inbound event types.
const (
	TypeDelta       = "delta"
	TypeChunk       = "chunk"
	TypeMessageDone = "message.done"
	TypeError       = "error"
	TypePong        = "pong"
	TypeHistory     = "history"
	TypeConnected   = "connected"
)

// Outbound frame types.
const (
	TypePing    = "ping"
	TypeMessage = "message"
)

// ErrorCode is a server-reported protocol error code.
type ErrorCode string

const (
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeBackendError      ErrorCode = "BACKEND_ERROR"
	CodeConnectionDropped ErrorCode = "CONNECTION_DROPPED"
)

// Fatal reports whether the code must terminate the live connection.
// Everything outside the fatal set is transient: surfaced to the caller,
// connection stays open.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeAuthFailed, CodeQuotaExceeded:
		return true
	}
	return false
}

// Event is one parsed inbound wire event.
type Event interface {
	isEvent()
}

// Delta carries an incremental piece of assistant text.
type Delta struct {
	MessageID string
	Delta     string
}

// Chunk carries incremental assistant text in the alternate framing.
type Chunk struct {
	MessageID string
	Content   string
}

// MessageDone finalizes the in-flight assistant message. Message is nil when
// the frame carried no message body (pure close-out).
type MessageDone struct {
	MessageID string
	Message   *models.Message
}

// ErrorEvent is a server-reported protocol error.
type ErrorEvent struct {
	Code    ErrorCode
	Message string
}

// Pong acknowledges a heartbeat ping.
type Pong struct{}

// History replays prior messages after (re)connection.
type History struct {
	Messages []models.Message
}

// Connected confirms the server accepted the connection.
type Connected struct {
	ConnectionID string
}

func (*Delta) isEvent()       {}
func (*Chunk) isEvent()       {}
func (*MessageDone) isEvent() {}
func (*ErrorEvent) isEvent()  {}
func (*Pong) isEvent()        {}
func (*History) isEvent()     {}
func (*Connected) isEvent()   {}

// MessagePayload is the wire shape of a finalized or historical message.
// Citations is raw-decoded because the backend has shipped it as an array,
// null, and occasionally garbage; normalization happens in ParseCitations.
type MessagePayload struct {
	ID        string         `json:"id"`
	Role      models.Role    `json:"role"`
	Content   string         `json:"content"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Citations any            `json:"citations,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// envelope is the superset of all inbound frame fields.
type envelope struct {
	Type         string           `json:"type"`
	MessageID    string           `json:"messageId,omitempty"`
	Delta        string           `json:"delta,omitempty"`
	Content      string           `json:"content,omitempty"`
	Message      *MessagePayload  `json:"message,omitempty"`
	Error        *errorPayload    `json:"error,omitempty"`
	Messages     []MessagePayload `json:"messages,omitempty"`
	ConnectionID string           `json:"connection_id,omitempty"`
}

type errorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ParseEvent decodes one raw text frame into an event variant. The returned
// error means the frame should be logged and dropped.
func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case TypeDelta:
		return &Delta{MessageID: env.MessageID, Delta: env.Delta}, nil
	case TypeChunk:
		return &Chunk{MessageID: env.MessageID, Content: env.Content}, nil
	case TypeMessageDone:
		done := &MessageDone{MessageID: env.MessageID}
		if env.Message != nil {
			msg := ParseMessage(*env.Message)
			done.Message = &msg
			if done.MessageID == "" {
				done.MessageID = msg.ID
			}
		}
		return done, nil
	case TypeError:
		if env.Error == nil {
			return nil, fmt.Errorf("error frame without error payload")
		}
		return &ErrorEvent{Code: env.Error.Code, Message: env.Error.Message}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeHistory:
		history := &History{Messages: make([]models.Message, 0, len(env.Messages))}
		for _, p := range env.Messages {
			history.Messages = append(history.Messages, ParseMessage(p))
		}
		return history, nil
	case TypeConnected:
		return &Connected{ConnectionID: env.ConnectionID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// ParseMessage maps a wire message into the domain Message shape with
// citations and metadata defaulted. Timestamp falls back to "now" when the
// server did not supply one.
func ParseMessage(p MessagePayload) models.Message {
	citations, metadata := ParseCitations(p)

	ts := time.Now().UnixMilli()
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}

	return models.Message{
		ID:        p.ID,
		Role:      p.Role,
		Content:   p.Content,
		Timestamp: ts,
		Citations: citations,
		Metadata:  metadata,
	}
}

// ParseCitations resolves citations for a wire message: the top-level
// citations field wins, then metadata.citations, then empty. The returned
// metadata always mirrors the resolved list under a "citations" key so
// consumers reading either location agree.
func ParseCitations(p MessagePayload) ([]models.Citation, map[string]any) {
	raw := p.Citations
	if raw == nil && p.Metadata != nil {
		raw = p.Metadata["citations"]
	}
	citations := NormalizeCitations(raw)

	metadata := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	metadata["citations"] = citations
	return citations, metadata
}

// PingFrame builds the outbound heartbeat frame.
func PingFrame() []byte {
	return []byte(`{"type":"ping"}`)
}

// MessageFrame builds the outbound user-message frame.
func MessageFrame(content, sessionID string) ([]byte, error) {
	frame := struct {
		Type      string `json:"type"`
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}{Type: TypeMessage, Content: content, SessionID: sessionID}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode message frame: %w", err)
	}
	return data, nil
}

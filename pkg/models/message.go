// Package models contains the domain types shared across the session core:
// messages, citations, attachments, and connection/streaming state.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
//
// IDs are assigned client-side for user-authored messages
// (prefix-timestamp-random) and server-side for assistant messages once
// finalized. Content is mutable only while the message is the active
// streaming message; after finalize it is immutable.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Timestamp   int64          `json:"timestamp"` // milliseconds since epoch
	Attachments []string       `json:"attachments,omitempty"`
	Citations   []Citation     `json:"citations"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewMessageID generates a client-side message id of the form
// prefix-timestamp-random. The timestamp keeps ids roughly sortable; the
// uuid fragment makes rapid successive sends collision-free.
func NewMessageID(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewUserMessage builds an optimistic user message ready for the timeline.
// Citations default to an empty list and are mirrored into metadata for
// backward-compatible consumers.
func NewUserMessage(content string, attachments []string) Message {
	msg := Message{
		ID:          NewMessageID("user"),
		Role:        RoleUser,
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
		Attachments: attachments,
		Citations:   []Citation{},
	}
	msg.Metadata = map[string]any{"citations": msg.Citations}
	return msg
}

// Clone returns a deep copy of the message. Slices and the metadata map are
// copied so callers can hand out snapshots without aliasing timeline state.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]string, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	if m.Citations != nil {
		out.Citations = make([]Citation, len(m.Citations))
		copy(out.Citations, m.Citations)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// AttachmentRef identifies an uploaded attachment.
type AttachmentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// Upload is a file pending upload alongside a message.
type Upload struct {
	Filename string
	Data     []byte
}

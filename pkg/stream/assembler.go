// Package stream assembles incremental wire events into finalized assistant
// messages.
//
// Process is a pure reducer: it never touches I/O and never mutates its
// inputs, which keeps the delta-ordering semantics trivially testable. The
// connection lifecycle manager feeds it events in arrival order; reordering
// deltas would corrupt message content.
package stream

import (
	"time"

	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/wire"
)

// Result is the outcome of reducing one event against the current streaming
// state.
type Result struct {
	// Streaming is the next in-flight assistant message (nil when none).
	Streaming *models.Message
	// Final is the finalized message to upsert into the timeline, if any.
	Final *models.Message
	// IsTyping indicates an assistant response is actively being produced.
	IsTyping bool
	// Err is a server-reported error to surface, if any.
	Err *wire.ErrorEvent
	// CloseConnection is set when Err carries a fatal code.
	CloseConnection bool
}

// Process reduces one inbound event against the current streaming message and
// returns the next state. History and Connected events pass through
// unchanged: they are handled by the timeline merge and the lifecycle
// manager, not by streaming state.
func Process(event wire.Event, current *models.Message) Result {
	switch ev := event.(type) {
	case *wire.Delta:
		return appendText(current, ev.MessageID, ev.Delta)
	case *wire.Chunk:
		return appendText(current, ev.MessageID, ev.Content)
	case *wire.MessageDone:
		// Clears streaming state atomically with producing the final
		// message. Upserting Final by id makes repeated done events a
		// replace, not an append.
		return Result{Final: ev.Message}
	case *wire.ErrorEvent:
		return Result{
			Err:             ev,
			CloseConnection: ev.Code.Fatal(),
		}
	default:
		// Pong, History, Connected: no streaming-state change.
		return Result{Streaming: current, IsTyping: current != nil}
	}
}

// appendText starts or extends the in-flight assistant message. An empty
// delta is a no-op: state is passed through untouched.
func appendText(current *models.Message, messageID, text string) Result {
	if text == "" {
		return Result{Streaming: current, IsTyping: current != nil}
	}

	if current == nil {
		if messageID == "" {
			messageID = models.NewMessageID("assistant")
		}
		return Result{
			Streaming: &models.Message{
				ID:        messageID,
				Role:      models.RoleAssistant,
				Content:   text,
				Timestamp: time.Now().UnixMilli(),
				Citations: []models.Citation{},
			},
			IsTyping: true,
		}
	}

	next := current.Clone()
	next.Content += text
	return Result{Streaming: &next, IsTyping: true}
}

package session

import (
	"errors"
	"fmt"

	"github.com/evidentia-ai/consult/pkg/wire"
)

var (
	// ErrSessionClosed is returned by operations invoked after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrDeleteNotConfirmed is returned when Delete is called without an
	// explicit confirm signal from the caller context.
	ErrDeleteNotConfirmed = errors.New("delete not confirmed")

	// ErrNoPrecedingUserMessage is returned by Regenerate when the target
	// assistant message has no user message immediately before it.
	ErrNoPrecedingUserMessage = errors.New("no preceding user message to regenerate from")

	// ErrNoMutationAPI is returned when edit/delete/upload operations are
	// invoked on a session constructed without a mutation collaborator.
	ErrNoMutationAPI = errors.New("no mutation API configured")
)

// ChatError is a coded session error. Protocol-level errors carry the
// server-reported code; transport failures that exhaust the retry budget
// carry CONNECTION_DROPPED.
type ChatError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether the error must terminate the live connection.
func (e *ChatError) Fatal() bool {
	return e.Code.Fatal()
}

func notConnectedError() *ChatError {
	return &ChatError{
		Code:    wire.CodeConnectionDropped,
		Message: "not connected",
	}
}

// Package session implements the realtime streaming session core: one
// logical conversation's live connection, its replayable message timeline,
// and the reconciliation of optimistic client actions against asynchronous
// server events.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/stream"
	"github.com/evidentia-ai/consult/pkg/timeline"
	"github.com/evidentia-ai/consult/pkg/wire"
)

// MutationAPI is the REST collaborator behind edit, delete, and attachment
// upload. Implemented by restapi.Client; injected so the core never touches
// a global API singleton.
type MutationAPI interface {
	EditMessage(ctx context.Context, conversationID, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	UploadAttachment(ctx context.Context, messageID string, file models.Upload) (models.AttachmentRef, error)
}

// ConfirmFunc is the caller-supplied confirmation signal for destructive
// operations. Delete never proceeds without it returning true.
type ConfirmFunc func() bool

// Config configures a Session.
type Config struct {
	ConversationID string
	ServerURL      string
	APIBaseURL     string // informational; the API collaborator is injected below
	Credentials    CredentialProvider
	API            MutationAPI

	// InitialMessages seeds the timeline, e.g. from loaded history.
	InitialMessages []models.Message

	HeartbeatInterval    time.Duration
	Backoff              Backoff
	MaxReconnectAttempts int

	// OnStreamDelta fires for each incremental piece of assistant text.
	OnStreamDelta func(messageID, delta string)
	// OnMessageFinal fires when a streaming response is finalized.
	OnMessageFinal func(models.Message)
	// OnTransientError receives dismissible server-reported errors; the
	// connection stays open.
	OnTransientError func(*ChatError)
	// OnSessionError receives fatal protocol errors and the terminal
	// connection-dropped error. Each is reported once.
	OnSessionError func(*ChatError)
	// OnStateChange observes connection state transitions.
	OnStateChange func(models.ConnectionState)

	Logger *slog.Logger
}

// Session is the public surface of one live conversation: the four mutation
// operations, the timeline, connection status, and the typing indicator.
//
// A Session owns its Manager and Timeline exclusively. Switching
// conversations means Close() on the old session and constructing a new one;
// nothing is shared between the two.
type Session struct {
	conversationID string
	api            MutationAPI
	manager        *Manager
	timeline       *timeline.Store
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config

	mu        sync.Mutex
	streaming *models.Message
	typing    bool
	closed    bool
}

// New constructs a session for one conversation. The transport is not
// dialed until Connect.
func New(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationID: cfg.ConversationID,
		api:            cfg.API,
		timeline:       timeline.NewStore(cfg.InitialMessages),
		log:            log.With("conversation_id", cfg.ConversationID),
		ctx:            ctx,
		cancel:         cancel,
		cfg:            cfg,
	}

	mgr, err := NewManager(ManagerConfig{
		ConversationID:       cfg.ConversationID,
		ServerURL:            cfg.ServerURL,
		Credentials:          cfg.Credentials,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		Backoff:              cfg.Backoff,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		OnEvent:              s.handleEvent,
		OnStateChange:        cfg.OnStateChange,
		OnConnectionError:    s.reportSessionError,
		Logger:               log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.manager = mgr
	return s, nil
}

// Connect brings the live connection up.
func (s *Session) Connect() {
	s.manager.Connect()
}

// Reconnect forces a fresh connection, resetting the retry budget.
func (s *Session) Reconnect() {
	s.manager.Reconnect()
}

// Close tears the session down: intentional disconnect, cancelled timers,
// no reconnect. Late REST results against this session are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.manager.Close()
}

// Messages returns a snapshot of the timeline.
func (s *Session) Messages() []models.Message {
	return s.timeline.Messages()
}

// State returns the current connection state.
func (s *Session) State() models.ConnectionState {
	return s.manager.State()
}

// IsTyping reports whether an assistant response is being produced.
func (s *Session) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// handleEvent applies one inbound event. Runs on the connection's read
// goroutine, so events are applied in arrival order.
func (s *Session) handleEvent(ev wire.Event) {
	switch e := ev.(type) {
	case *wire.History:
		// History replaces the ids the server owns; optimistic entries
		// the server has not seen yet survive.
		s.timeline.MergeHistory(e.Messages)
		return
	case *wire.Connected:
		s.log.Info("Server acknowledged connection", "remote_connection_id", e.ConnectionID)
		return
	}

	s.mu.Lock()
	prior := s.streaming
	res := stream.Process(ev, s.streaming)
	s.streaming = res.Streaming
	s.typing = res.IsTyping
	s.mu.Unlock()

	if res.Streaming != nil {
		s.timeline.Upsert(*res.Streaming)
		if s.cfg.OnStreamDelta != nil {
			if delta := deltaText(ev); delta != "" {
				s.cfg.OnStreamDelta(res.Streaming.ID, delta)
			}
		}
	}

	if res.Final != nil {
		// The server may finalize under its own id; drop the streaming
		// entry when the ids diverge so the timeline never shows both.
		if prior != nil && prior.ID != res.Final.ID {
			s.timeline.Remove(prior.ID)
		}
		s.timeline.Upsert(*res.Final)
		if s.cfg.OnMessageFinal != nil {
			s.cfg.OnMessageFinal(*res.Final)
		}
	}

	if res.Err != nil {
		cerr := &ChatError{Code: res.Err.Code, Message: res.Err.Message}
		if res.CloseConnection {
			// Force-close the connection only; the session stays usable
			// and a manual reconnect (e.g. after a token refresh) can
			// bring it back up.
			s.log.Error("Fatal server error, closing connection",
				"code", string(cerr.Code), "message", cerr.Message)
			s.manager.Disconnect()
			s.reportSessionError(cerr)
			return
		}
		s.log.Warn("Transient server error",
			"code", string(cerr.Code), "message", cerr.Message)
		if s.cfg.OnTransientError != nil {
			s.cfg.OnTransientError(cerr)
		}
	}
}

func deltaText(ev wire.Event) string {
	switch e := ev.(type) {
	case *wire.Delta:
		return e.Delta
	case *wire.Chunk:
		return e.Content
	}
	return ""
}

// Send appends an optimistic user message to the timeline, transmits it, and
// uploads any attachments out-of-band, patching the message in place as each
// upload completes. Requires a live connection; otherwise it fails with a
// connection-dropped error and performs no mutation.
func (s *Session) Send(ctx context.Context, content string, uploads []models.Upload) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, ErrSessionClosed
	}
	if s.manager.State() != models.StateConnected {
		return models.Message{}, notConnectedError()
	}
	return s.send(ctx, content, nil, uploads)
}

func (s *Session) send(ctx context.Context, content string, attachments []string, uploads []models.Upload) (models.Message, error) {
	// Uploads need the REST collaborator; fail before any visible mutation
	// rather than panicking in the upload goroutine later.
	if len(uploads) > 0 && s.api == nil {
		return models.Message{}, ErrNoMutationAPI
	}

	msg := models.NewUserMessage(content, attachments)

	frame, err := wire.MessageFrame(content, s.conversationID)
	if err != nil {
		return models.Message{}, err
	}

	// Optimistic: visible before any network confirmation.
	s.timeline.Upsert(msg)

	if err := s.manager.Send(ctx, frame); err != nil {
		// The transport raced shut between the state check and the write.
		// The optimistic entry stays; the caller decides what to retry.
		s.log.Warn("Transmit failed", "message_id", msg.ID, "error", err)
		return msg, err
	}

	if len(uploads) > 0 {
		// Uploads run on the session lifetime, not the caller's ctx: the
		// message is already sent and the patches land whenever they land.
		go s.uploadAll(msg.ID, uploads)
	}
	return msg, nil
}

// uploadAll uploads attachments sequentially. Failure is deliberately
// non-fatal: the message remains sent with whatever attachments succeeded,
// and the failure is logged only.
func (s *Session) uploadAll(messageID string, uploads []models.Upload) {
	for _, u := range uploads {
		ref, err := s.api.UploadAttachment(s.ctx, messageID, u)
		if err != nil {
			s.log.Warn("Attachment upload failed",
				"message_id", messageID, "filename", u.Filename, "error", err)
			continue
		}
		s.patchAttachment(messageID, ref.ID)
	}
}

// patchAttachment appends an attachment id to an already-visible message.
// Skips silently if the message was deleted while the upload was in flight.
func (s *Session) patchAttachment(messageID, attachmentID string) {
	msg, ok := s.timeline.Get(messageID)
	if !ok {
		return
	}
	msg.Attachments = append(msg.Attachments, attachmentID)
	s.timeline.Upsert(msg)
}

// Edit replaces a message's content via the REST collaborator. On success
// the timeline entry is replaced with the server's returned message; on
// failure the timeline is left unchanged and the error propagates.
func (s *Session) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	if s.api == nil {
		return models.Message{}, ErrNoMutationAPI
	}

	updated, err := s.api.EditMessage(ctx, s.conversationID, messageID, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("edit message %s: %w", messageID, err)
	}

	// If the session moved on while the round-trip was in flight, the
	// result no longer has a timeline to land in.
	if s.isClosed() {
		return updated, nil
	}
	s.timeline.Upsert(updated)
	return updated, nil
}

// Delete removes a message, but only after the caller's explicit confirm
// signal and the server's confirmation, in that order.
func (s *Session) Delete(ctx context.Context, messageID string, confirm ConfirmFunc) error {
	if s.api == nil {
		return ErrNoMutationAPI
	}
	if confirm == nil || !confirm() {
		return ErrDeleteNotConfirmed
	}

	if err := s.api.DeleteMessage(ctx, s.conversationID, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}

	if !s.isClosed() {
		s.timeline.Remove(messageID)
	}
	return nil
}

// Regenerate removes an assistant message and re-sends the user message
// immediately preceding it, producing a fresh response. Fails without
// mutating the timeline when no preceding user message exists.
func (s *Session) Regenerate(ctx context.Context, assistantMessageID string) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, ErrSessionClosed
	}

	prev, ok := s.timeline.PreviousUserMessage(assistantMessageID)
	if !ok {
		return models.Message{}, fmt.Errorf("regenerate %s: %w", assistantMessageID, ErrNoPrecedingUserMessage)
	}
	if s.manager.State() != models.StateConnected {
		return models.Message{}, notConnectedError()
	}

	s.timeline.Remove(assistantMessageID)
	return s.send(ctx, prev.Content, prev.Attachments, nil)
}

func (s *Session) reportSessionError(err *ChatError) {
	if s.cfg.OnSessionError != nil {
		s.cfg.OnSessionError(err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

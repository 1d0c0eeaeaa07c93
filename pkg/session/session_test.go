package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/wire"
)

// fakeAPI is a scripted MutationAPI.
type fakeAPI struct {
	mu        sync.Mutex
	editMsg   models.Message
	editErr   error
	deleteErr error
	uploadRef models.AttachmentRef
	uploadErr error

	edits   int
	deletes int
	uploads []string
}

func (f *fakeAPI) EditMessage(_ context.Context, _, _, _ string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	return f.editMsg, f.editErr
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeAPI) UploadAttachment(_ context.Context, _ string, file models.Upload) (models.AttachmentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, file.Filename)
	return f.uploadRef, f.uploadErr
}

// sessionRecorder collects session callback invocations.
type sessionRecorder struct {
	mu        sync.Mutex
	deltas    []string
	finals    []models.Message
	transient []*ChatError
	fatal     []*ChatError
}

func (r *sessionRecorder) config() (onDelta func(string, string), onFinal func(models.Message), onTransient, onFatal func(*ChatError)) {
	onDelta = func(_, delta string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.deltas = append(r.deltas, delta)
	}
	onFinal = func(msg models.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.finals = append(r.finals, msg)
	}
	onTransient = func(err *ChatError) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transient = append(r.transient, err)
	}
	onFatal = func(err *ChatError) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fatal = append(r.fatal, err)
	}
	return
}

func newTestSession(t *testing.T, api MutationAPI, initial []models.Message) (*Session, *sessionRecorder) {
	t.Helper()
	rec := &sessionRecorder{}
	onDelta, onFinal, onTransient, onFatal := rec.config()

	s, err := New(Config{
		ConversationID:   "conv-1",
		ServerURL:        "ws://backend.test/ws",
		Credentials:      StaticToken("tok-123"),
		API:              api,
		InitialMessages:  initial,
		Backoff:          Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		OnStreamDelta:    onDelta,
		OnMessageFinal:   onFinal,
		OnTransientError: onTransient,
		OnSessionError:   onFatal,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, rec
}

// connectSession swaps in a scripted transport and brings the session up.
func connectSession(t *testing.T, s *Session) *fakeConn {
	t.Helper()
	d := &dialScript{}
	s.manager.dial = d.dial
	s.Connect()
	require.Eventually(t, func() bool { return s.State() == models.StateConnected },
		2*time.Second, time.Millisecond)
	return d.conn(0)
}

func TestSessionStreamingLifecycle(t *testing.T) {
	s, rec := newTestSession(t, nil, nil)

	s.handleEvent(&wire.Delta{MessageID: "a1", Delta: "The evidence "})
	s.handleEvent(&wire.Delta{MessageID: "a1", Delta: "is moderate."})

	assert.True(t, s.IsTyping())
	got, ok := s.timeline.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "The evidence is moderate.", got.Content)

	final := &models.Message{ID: "a1", Role: models.RoleAssistant,
		Content: "The evidence is moderate.", Citations: []models.Citation{{ID: "cit-1"}}}
	s.handleEvent(&wire.MessageDone{MessageID: "a1", Message: final})

	assert.False(t, s.IsTyping())
	assert.Equal(t, 1, s.timeline.Len())
	got, _ = s.timeline.Get("a1")
	assert.Len(t, got.Citations, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"The evidence ", "is moderate."}, rec.deltas)
	require.Len(t, rec.finals, 1)
	assert.Equal(t, "a1", rec.finals[0].ID)
}

func TestSessionDuplicateFinalizeIsIdempotent(t *testing.T) {
	s, rec := newTestSession(t, nil, nil)

	final := &models.Message{ID: "a1", Role: models.RoleAssistant, Content: "done"}
	s.handleEvent(&wire.MessageDone{MessageID: "a1", Message: final})
	s.handleEvent(&wire.MessageDone{MessageID: "a1", Message: final})

	assert.Equal(t, 1, s.timeline.Len())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.finals, 2) // callback per event, but one timeline entry
}

func TestSessionFinalizeUnderServerID(t *testing.T) {
	s, _ := newTestSession(t, nil, nil)

	// Stream without a message id: the client mints one.
	s.handleEvent(&wire.Delta{Delta: "partial"})
	require.Equal(t, 1, s.timeline.Len())
	clientID := s.Messages()[0].ID

	// The server finalizes under its own id; the provisional entry goes.
	final := &models.Message{ID: "srv-9", Role: models.RoleAssistant, Content: "partial, complete"}
	s.handleEvent(&wire.MessageDone{MessageID: "srv-9", Message: final})

	assert.Equal(t, 1, s.timeline.Len())
	_, ok := s.timeline.Get(clientID)
	assert.False(t, ok)
	got, ok := s.timeline.Get("srv-9")
	require.True(t, ok)
	assert.Equal(t, "partial, complete", got.Content)
}

func TestSessionHistoryReplay(t *testing.T) {
	s, _ := newTestSession(t, nil, []models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "optimistic"},
		{ID: "local-1", Role: models.RoleUser, Content: "in flight"},
	})

	s.handleEvent(&wire.History{Messages: []models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "server copy"},
		{ID: "a1", Role: models.RoleAssistant, Content: "reply"},
	}})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, "server copy", msgs[0].Content)
	assert.Equal(t, "a1", msgs[1].ID)
	assert.Equal(t, "local-1", msgs[2].ID)
}

func TestSessionTransientError(t *testing.T) {
	s, rec := newTestSession(t, nil, nil)

	s.handleEvent(&wire.ErrorEvent{Code: wire.CodeRateLimited, Message: "slow down"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.transient, 1)
	assert.Equal(t, wire.CodeRateLimited, rec.transient[0].Code)
	assert.Empty(t, rec.fatal)
}

func TestSessionFatalError(t *testing.T) {
	s, rec := newTestSession(t, nil, nil)
	connectSession(t, s)

	s.handleEvent(&wire.ErrorEvent{Code: wire.CodeAuthFailed, Message: "bad token"})

	require.Eventually(t, func() bool { return s.State() == models.StateDisconnected },
		2*time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.fatal, 1)
	assert.Equal(t, wire.CodeAuthFailed, rec.fatal[0].Code)
	assert.True(t, rec.fatal[0].Fatal())
	assert.Empty(t, rec.transient)
}

func TestSessionReconnectAfterFatalError(t *testing.T) {
	s, rec := newTestSession(t, nil, nil)
	d := &dialScript{}
	s.manager.dial = d.dial
	s.Connect()
	require.Eventually(t, func() bool { return s.State() == models.StateConnected },
		2*time.Second, time.Millisecond)

	s.handleEvent(&wire.ErrorEvent{Code: wire.CodeAuthFailed, Message: "token expired"})
	require.Eventually(t, func() bool { return s.State() == models.StateDisconnected },
		2*time.Second, time.Millisecond)

	// The caller rotated the token; a manual reconnect must reach a stable
	// connected state rather than flapping through the retry budget.
	s.Reconnect()
	require.Eventually(t, func() bool { return s.State() == models.StateConnected },
		2*time.Second, time.Millisecond)
	assert.Equal(t, 2, d.dialCount())

	// And the fresh connection still delivers events.
	d.conn(1).push(`{"type":"delta","messageId":"a1","delta":"back"}`)
	require.Eventually(t, func() bool { return s.timeline.Len() == 1 },
		2*time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.fatal, 1)
	assert.Equal(t, wire.CodeAuthFailed, rec.fatal[0].Code)
}

func TestSessionSend(t *testing.T) {
	t.Run("requires a live connection", func(t *testing.T) {
		s, _ := newTestSession(t, nil, nil)

		_, err := s.Send(context.Background(), "hello", nil)
		var cerr *ChatError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, wire.CodeConnectionDropped, cerr.Code)
		assert.Zero(t, s.timeline.Len())
	})

	t.Run("appends optimistically and transmits", func(t *testing.T) {
		s, _ := newTestSession(t, nil, nil)
		c := connectSession(t, s)

		msg, err := s.Send(context.Background(), "what does the evidence say?", nil)
		require.NoError(t, err)
		assert.Equal(t, models.RoleUser, msg.Role)

		got, ok := s.timeline.Get(msg.ID)
		require.True(t, ok)
		assert.Equal(t, "what does the evidence say?", got.Content)

		require.Equal(t, 1, c.writeCount())
		var frame map[string]any
		c.mu.Lock()
		require.NoError(t, json.Unmarshal(c.writes[0], &frame))
		c.mu.Unlock()
		assert.Equal(t, "message", frame["type"])
		assert.Equal(t, "what does the evidence say?", frame["content"])
		assert.Equal(t, "conv-1", frame["session_id"])
	})

	t.Run("fails after close", func(t *testing.T) {
		s, _ := newTestSession(t, nil, nil)
		s.Close()

		_, err := s.Send(context.Background(), "hello", nil)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestSessionSendUploads(t *testing.T) {
	t.Run("patches attachment references as uploads complete", func(t *testing.T) {
		api := &fakeAPI{uploadRef: models.AttachmentRef{ID: "att-1", Filename: "scan.pdf"}}
		s, _ := newTestSession(t, api, nil)
		connectSession(t, s)

		msg, err := s.Send(context.Background(), "see attachment",
			[]models.Upload{{Filename: "scan.pdf", Data: []byte("pdf")}})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			got, _ := s.timeline.Get(msg.ID)
			return len(got.Attachments) == 1
		}, 2*time.Second, time.Millisecond)

		got, _ := s.timeline.Get(msg.ID)
		assert.Equal(t, []string{"att-1"}, got.Attachments)
	})

	t.Run("requires a mutation API, no mutation", func(t *testing.T) {
		s, _ := newTestSession(t, nil, nil)
		c := connectSession(t, s)

		_, err := s.Send(context.Background(), "see attachment",
			[]models.Upload{{Filename: "scan.pdf", Data: []byte("pdf")}})
		assert.ErrorIs(t, err, ErrNoMutationAPI)
		assert.Zero(t, s.timeline.Len())
		assert.Zero(t, c.writeCount())
	})

	t.Run("upload failure leaves the sent message intact", func(t *testing.T) {
		api := &fakeAPI{uploadErr: errors.New("storage unavailable")}
		s, _ := newTestSession(t, api, nil)
		connectSession(t, s)

		msg, err := s.Send(context.Background(), "see attachment",
			[]models.Upload{{Filename: "scan.pdf", Data: []byte("pdf")}})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			api.mu.Lock()
			defer api.mu.Unlock()
			return len(api.uploads) == 1
		}, 2*time.Second, time.Millisecond)

		got, ok := s.timeline.Get(msg.ID)
		require.True(t, ok)
		assert.Empty(t, got.Attachments)
	})
}

func TestSessionEdit(t *testing.T) {
	seed := []models.Message{{ID: "u1", Role: models.RoleUser, Content: "original"}}

	t.Run("replaces the entry with the server's version", func(t *testing.T) {
		api := &fakeAPI{editMsg: models.Message{ID: "u1", Role: models.RoleUser, Content: "edited"}}
		s, _ := newTestSession(t, api, seed)

		updated, err := s.Edit(context.Background(), "u1", "edited")
		require.NoError(t, err)
		assert.Equal(t, "edited", updated.Content)

		got, _ := s.timeline.Get("u1")
		assert.Equal(t, "edited", got.Content)
	})

	t.Run("leaves the timeline unchanged on failure", func(t *testing.T) {
		api := &fakeAPI{editErr: errors.New("backend down")}
		s, _ := newTestSession(t, api, seed)

		_, err := s.Edit(context.Background(), "u1", "edited")
		require.Error(t, err)

		got, _ := s.timeline.Get("u1")
		assert.Equal(t, "original", got.Content)
	})

	t.Run("requires a mutation API", func(t *testing.T) {
		s, _ := newTestSession(t, nil, seed)

		_, err := s.Edit(context.Background(), "u1", "edited")
		assert.ErrorIs(t, err, ErrNoMutationAPI)
	})
}

func TestSessionDelete(t *testing.T) {
	seed := []models.Message{{ID: "u1", Role: models.RoleUser, Content: "hi"}}
	yes := func() bool { return true }
	no := func() bool { return false }

	t.Run("requires confirmation", func(t *testing.T) {
		api := &fakeAPI{}
		s, _ := newTestSession(t, api, seed)

		assert.ErrorIs(t, s.Delete(context.Background(), "u1", nil), ErrDeleteNotConfirmed)
		assert.ErrorIs(t, s.Delete(context.Background(), "u1", no), ErrDeleteNotConfirmed)

		api.mu.Lock()
		defer api.mu.Unlock()
		assert.Zero(t, api.deletes)
		assert.Equal(t, 1, s.timeline.Len())
	})

	t.Run("removes after server confirmation", func(t *testing.T) {
		api := &fakeAPI{}
		s, _ := newTestSession(t, api, seed)

		require.NoError(t, s.Delete(context.Background(), "u1", yes))
		assert.Zero(t, s.timeline.Len())
	})

	t.Run("keeps the entry when the server refuses", func(t *testing.T) {
		api := &fakeAPI{deleteErr: errors.New("not yours")}
		s, _ := newTestSession(t, api, seed)

		require.Error(t, s.Delete(context.Background(), "u1", yes))
		assert.Equal(t, 1, s.timeline.Len())
	})
}

func TestSessionRegenerate(t *testing.T) {
	seed := []models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "question", Attachments: []string{"att-1"}},
		{ID: "a1", Role: models.RoleAssistant, Content: "stale answer"},
	}

	t.Run("resends the preceding user message", func(t *testing.T) {
		s, _ := newTestSession(t, nil, seed)
		c := connectSession(t, s)

		resent, err := s.Regenerate(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, "question", resent.Content)
		assert.Equal(t, []string{"att-1"}, resent.Attachments)
		assert.NotEqual(t, "u1", resent.ID)

		_, ok := s.timeline.Get("a1")
		assert.False(t, ok)
		assert.Equal(t, 1, c.writeCount())
	})

	t.Run("no preceding user message, no mutation", func(t *testing.T) {
		s, _ := newTestSession(t, nil, []models.Message{
			{ID: "a1", Role: models.RoleAssistant, Content: "orphan"},
		})
		connectSession(t, s)

		_, err := s.Regenerate(context.Background(), "a1")
		assert.ErrorIs(t, err, ErrNoPrecedingUserMessage)
		assert.Equal(t, 1, s.timeline.Len())
	})

	t.Run("requires a live connection, no mutation", func(t *testing.T) {
		s, _ := newTestSession(t, nil, seed)

		_, err := s.Regenerate(context.Background(), "a1")
		var cerr *ChatError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, wire.CodeConnectionDropped, cerr.Code)

		_, ok := s.timeline.Get("a1")
		assert.True(t, ok)
	})
}

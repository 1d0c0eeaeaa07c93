// Package devserver is a local stand-in for the production backend: it
// speaks the same websocket event protocol (history replay, streaming
// deltas, finalized messages with citations, ping/pong) and serves the REST
// mutation endpoints. Used by the CLI's dev-server command and by the
// session integration tests.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/wire"
)

// ReplyFunc produces the assistant response for a user message.
type ReplyFunc func(conversationID, userContent string) (string, []models.Citation)

// Config configures the dev server.
type Config struct {
	// Token is the credential every request must present.
	Token string
	// Reply overrides the canned assistant response.
	Reply ReplyFunc
	// DeltaSize is the number of characters streamed per delta frame.
	// 0 → 16.
	DeltaSize int
	Logger    *slog.Logger
}

// Server holds the in-memory conversation store and the live connections.
type Server struct {
	cfg    Config
	engine *gin.Engine
	log    *slog.Logger

	mu            sync.Mutex
	conversations map[string][]models.Message
	clients       map[string][]*client
}

// client is one live websocket connection. Writes are serialized per
// connection: the reply streamer and error injection race otherwise.
type client struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// New creates a dev server. Call Handler to serve it.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Reply == nil {
		cfg.Reply = defaultReply
	}
	if cfg.DeltaSize <= 0 {
		cfg.DeltaSize = 16
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		conversations: make(map[string][]models.Message),
		clients:       make(map[string][]*client),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ws", s.handleWS)

	api := engine.Group("/api/v1", s.authMiddleware)
	api.PUT("/conversations/:conversationID/messages/:messageID", s.handleEdit)
	api.DELETE("/conversations/:conversationID/messages/:messageID", s.handleDelete)
	api.POST("/messages/:messageID/attachments", s.handleUpload)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler for the dev server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SeedConversation replaces a conversation's stored messages.
func (s *Server) SeedConversation(conversationID string, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append([]models.Message(nil), messages...)
}

// InjectError pushes an error frame to every live connection of a
// conversation. Used to exercise fatal vs. transient handling.
func (s *Server) InjectError(conversationID string, code wire.ErrorCode, message string) {
	for _, c := range s.clientsFor(conversationID) {
		err := c.writeJSON(gin.H{
			"type":  wire.TypeError,
			"error": gin.H{"code": code, "message": message},
		})
		if err != nil {
			s.log.Warn("Error injection write failed", "error", err)
		}
	}
}

// CloseClients force-closes every live connection of a conversation with
// the given close code. Used to exercise reconnect behavior.
func (s *Server) CloseClients(conversationID string, code websocket.StatusCode, reason string) {
	for _, c := range s.clientsFor(conversationID) {
		_ = c.conn.Close(code, reason)
	}
}

func (s *Server) clientsFor(conversationID string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*client(nil), s.clients[conversationID]...)
}

func (s *Server) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header != "Bearer "+s.cfg.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

// handleWS upgrades the connection and runs the event loop for one client.
func (s *Server) handleWS(c *gin.Context) {
	conversationID := c.Query("conversationId")
	token := c.Query("token")
	if conversationID == "" || token != s.cfg.Token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing conversationId or bad token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Local development tool; origin checks are the production
		// backend's concern.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("WebSocket accept failed", "error", err)
		return
	}

	ctx := c.Request.Context()
	cl := &client{conn: conn, ctx: ctx}
	s.register(conversationID, cl)
	defer s.unregister(conversationID, cl)

	connectionID := uuid.New().String()
	s.log.Info("Client connected",
		"conversation_id", conversationID, "connection_id", connectionID)

	if err := cl.writeJSON(gin.H{"type": wire.TypeConnected, "connection_id": connectionID}); err != nil {
		return
	}

	// History replay on every (re)connection.
	s.mu.Lock()
	history := append([]models.Message(nil), s.conversations[conversationID]...)
	s.mu.Unlock()
	if err := cl.writeJSON(gin.H{"type": wire.TypeHistory, "messages": history}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Info("Client disconnected",
				"conversation_id", conversationID, "connection_id", connectionID)
			return
		}

		var frame struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Dropping undecodable client frame", "error", err)
			continue
		}

		switch frame.Type {
		case wire.TypePing:
			if err := cl.writeJSON(gin.H{"type": wire.TypePong}); err != nil {
				return
			}
		case wire.TypeMessage:
			s.storeUserMessage(conversationID, frame.Content)
			if err := s.streamReply(cl, conversationID, frame.Content); err != nil {
				s.log.Warn("Reply stream failed", "error", err)
				return
			}
		default:
			s.log.Warn("Unknown client frame type", "type", frame.Type)
		}
	}
}

func (s *Server) storeUserMessage(conversationID, content string) {
	msg := models.Message{
		ID:        "srv-" + uuid.NewString()[:8],
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Citations: []models.Citation{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], msg)
}

// streamReply streams the assistant response as deltas and finalizes it
// with a message.done carrying citations.
func (s *Server) streamReply(cl *client, conversationID, userContent string) error {
	content, citations := s.cfg.Reply(conversationID, userContent)
	messageID := "assistant-" + uuid.NewString()[:8]

	for start := 0; start < len(content); start += s.cfg.DeltaSize {
		end := min(start+s.cfg.DeltaSize, len(content))
		err := cl.writeJSON(gin.H{
			"type":      wire.TypeDelta,
			"messageId": messageID,
			"delta":     content[start:end],
		})
		if err != nil {
			return err
		}
	}

	final := models.Message{
		ID:        messageID,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Citations: citations,
		Metadata:  map[string]any{"citations": citations},
	}

	s.mu.Lock()
	s.conversations[conversationID] = append(s.conversations[conversationID], final)
	s.mu.Unlock()

	return cl.writeJSON(gin.H{
		"type":      wire.TypeMessageDone,
		"messageId": messageID,
		"message":   final,
	})
}

func (s *Server) register(conversationID string, cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conversationID] = append(s.clients[conversationID], cl)
}

func (s *Server) unregister(conversationID string, cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := s.clients[conversationID]
	for i, existing := range clients {
		if existing == cl {
			s.clients[conversationID] = append(clients[:i], clients[i+1:]...)
			return
		}
	}
}

// handleEdit replaces a message's content and returns the stored message.
func (s *Server) handleEdit(c *gin.Context) {
	conversationID := c.Param("conversationID")
	messageID := c.Param("messageID")

	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.conversations[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Content = body.Content
			c.JSON(http.StatusOK, msgs[i])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
}

// handleDelete removes a message from the conversation.
func (s *Server) handleDelete(c *gin.Context) {
	conversationID := c.Param("conversationID")
	messageID := c.Param("messageID")

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.conversations[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.conversations[conversationID] = append(msgs[:i], msgs[i+1:]...)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
}

// handleUpload accepts a multipart file and returns an attachment reference.
func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	// Contents are discarded; the dev server only mints references.
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()
	_, _ = io.Copy(io.Discard, src)

	c.JSON(http.StatusOK, models.AttachmentRef{
		ID:       "att-" + uuid.NewString()[:8],
		Filename: file.Filename,
	})
}

// defaultReply echoes the question with a canned literature citation, enough
// to exercise the full streaming and citation path.
func defaultReply(_, userContent string) (string, []models.Citation) {
	year := 2019
	score := 0.92
	content := fmt.Sprintf(
		"Based on the available literature, here is what we know about %q. %s",
		strings.TrimSpace(userContent),
		"Evidence quality is moderate; consult the cited review for details.")

	return content, []models.Citation{{
		ID:              "cit-" + uuid.NewString()[:8],
		Title:           "A systematic review of conversational evidence retrieval",
		Authors:         []string{"Okafor N", "Lindqvist A"},
		PublicationYear: &year,
		Journal:         "J Clin Inform",
		DOI:             "10.1000/jci.2019.042",
		SourceType:      "review",
		RelevanceScore:  &score,
	}}
}

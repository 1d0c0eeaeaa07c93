package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/wire"
)

// readLimit raises the transport's frame size ceiling; history replay frames
// can carry a whole conversation.
const readLimit = 1 << 20

// conn is the duplex transport surface the manager drives. Production
// connections wrap coder/websocket; tests substitute a scripted fake via the
// dial seam.
type conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, target string) (conn, error)

// wsConn adapts *websocket.Conn to the conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

func dialWebsocket(ctx context.Context, target string) (conn, error) {
	c, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}, nil
}

// ManagerConfig configures a connection lifecycle manager.
type ManagerConfig struct {
	ConversationID string
	ServerURL      string // websocket endpoint, e.g. ws://host/ws
	Credentials    CredentialProvider

	HeartbeatInterval    time.Duration // 0 → DefaultHeartbeatInterval
	Backoff              Backoff
	MaxReconnectAttempts int // 0 → DefaultMaxReconnectAttempts

	// OnEvent receives every parsed inbound event, in arrival order, on the
	// connection's read goroutine.
	OnEvent func(wire.Event)
	// OnStateChange observes connection state transitions.
	OnStateChange func(models.ConnectionState)
	// OnConnectionError receives the terminal CONNECTION_DROPPED error once
	// the reconnect budget is exhausted.
	OnConnectionError func(*ChatError)

	Logger *slog.Logger

	dial dialFunc // test seam; defaults to dialWebsocket
}

// Manager owns a single conversation's transport handle and drives the
// connect → connected → reconnecting lifecycle.
//
// Exactly one Manager owns a logical session at a time. All inbound events
// are delivered serially from one read goroutine; heartbeat and retry timers
// are cancellable and are unconditionally torn down on Close so a discarded
// session leaks nothing.
type Manager struct {
	cfg  ManagerConfig
	dial dialFunc
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       models.ConnectionState
	conn        conn
	connecting  bool
	intentional bool
	attempts    int
	generation  int
	retryTimer  *time.Timer
	heartbeat   chan struct{} // closed to stop the heartbeat loop
	lastSkipLog string        // dedup signature for missing-prerequisite logs
}

// NewManager creates a manager in the disconnected state. Connect must be
// called to bring the transport up.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.ServerURL, err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dial := cfg.dial
	if dial == nil {
		dial = dialWebsocket
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		log:    log.With("conversation_id", cfg.ConversationID),
		ctx:    ctx,
		cancel: cancel,
		state:  models.StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect brings the transport up. No-op if already connected or a connect
// attempt is in flight, so concurrent callers never race two transports into
// existence. When prerequisites (conversation id and credential) are
// missing the manager stays disconnected and logs once per unique
// missing-prerequisite signature.
func (m *Manager) Connect() {
	m.mu.Lock()

	if m.connecting || m.state == models.StateConnected {
		m.mu.Unlock()
		return
	}

	token := ""
	if m.cfg.Credentials != nil {
		token = m.cfg.Credentials.AccessToken()
	}
	if m.cfg.ConversationID == "" || token == "" {
		sig := fmt.Sprintf("conversation=%t token=%t", m.cfg.ConversationID != "", token != "")
		if sig != m.lastSkipLog {
			m.lastSkipLog = sig
			m.log.Info("Skipping connect, prerequisites missing",
				"has_conversation", m.cfg.ConversationID != "",
				"has_token", token != "")
		}
		m.mu.Unlock()
		return
	}

	m.connecting = true
	m.intentional = false
	m.state = models.StateConnecting
	gen := m.generation
	m.mu.Unlock()

	m.notifyState(models.StateConnecting)
	go m.establish(gen, m.buildTarget(token))
}

// buildTarget parameterizes the transport URL with the conversation id and
// credential.
func (m *Manager) buildTarget(token string) string {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		// Validated at construction; keep the raw URL as a last resort.
		return m.cfg.ServerURL
	}
	q := u.Query()
	q.Set("conversationId", m.cfg.ConversationID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// establish performs the dial and transitions to connected, or routes the
// failure through the retry policy.
func (m *Manager) establish(gen int, target string) {
	c, err := m.dial(m.ctx, target)

	m.mu.Lock()
	if gen != m.generation || m.intentional {
		// A manual reconnect or Close superseded this attempt.
		m.mu.Unlock()
		if err == nil {
			_ = c.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	m.connecting = false

	if err != nil {
		m.log.Warn("Transport open failed", "error", err)
		m.scheduleRetryLocked()
		return
	}

	m.conn = c
	m.attempts = 0
	m.state = models.StateConnected
	stop := make(chan struct{})
	m.heartbeat = stop
	m.mu.Unlock()

	m.log.Info("Connected")
	m.notifyState(models.StateConnected)

	go m.heartbeatLoop(c, stop)
	go m.readLoop(gen, c)
}

// readLoop delivers inbound frames until the connection closes. It is the
// only source of inbound concurrency: one event at a time, arrival order.
func (m *Manager) readLoop(gen int, c conn) {
	for {
		data, err := c.Read(m.ctx)
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		ev, perr := wire.ParseEvent(data)
		if perr != nil {
			// Malformed frames are dropped, never fatal.
			m.log.Warn("Dropping undecodable frame", "error", perr)
			continue
		}
		if m.cfg.OnEvent != nil {
			m.cfg.OnEvent(ev)
		}
	}
}

// heartbeatLoop sends a keep-alive frame at a fixed interval while the
// connection is up. Write failures are logged only: the read loop observes
// the authoritative close.
func (m *Manager) heartbeatLoop(c conn, stop <-chan struct{}) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Write(m.ctx, wire.PingFrame()); err != nil {
				m.log.Warn("Heartbeat write failed", "error", err)
				return
			}
		}
	}
}

// handleClose classifies a transport close and either finishes (intentional
// or normal close) or schedules a retry (abnormal close).
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.generation {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.generation++
	m.stopHeartbeatLocked()
	m.conn = nil

	if m.intentional {
		m.state = models.StateDisconnected
		m.mu.Unlock()
		m.notifyState(models.StateDisconnected)
		return
	}

	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		m.log.Info("Connection closed normally", "code", int(code))
		m.state = models.StateDisconnected
		m.mu.Unlock()
		m.notifyState(models.StateDisconnected)
		return
	}

	m.log.Warn("Abnormal close", "code", int(code), "error", err)
	m.scheduleRetryLocked()
}

// scheduleRetryLocked schedules the next reconnect attempt, or surfaces the
// terminal connection-dropped error once the budget is spent. Called with
// m.mu held; releases it.
func (m *Manager) scheduleRetryLocked() {
	maxAttempts := m.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}

	if m.attempts >= maxAttempts {
		m.state = models.StateDisconnected
		attempts := m.attempts
		m.mu.Unlock()

		m.log.Error("Reconnect budget exhausted", "attempts", attempts)
		m.notifyState(models.StateDisconnected)
		if m.cfg.OnConnectionError != nil {
			m.cfg.OnConnectionError(&ChatError{
				Code:    wire.CodeConnectionDropped,
				Message: fmt.Sprintf("connection lost after %d reconnect attempts", attempts),
			})
		}
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.state = models.StateReconnecting
	m.retryTimer = time.AfterFunc(delay, m.Connect)
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Warn("Scheduling reconnect", "attempt", attempt, "delay", delay)
	m.notifyState(models.StateReconnecting)
}

// Send writes a frame on the live connection. Fails with a
// connection-dropped error unless the manager is connected.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	c := m.conn
	state := m.state
	m.mu.Unlock()

	if state != models.StateConnected || c == nil {
		return notConnectedError()
	}
	return c.Write(ctx, data)
}

// Reconnect tears down any existing transport and retry timers, resets the
// attempt counter, and immediately attempts a fresh connect — bypassing
// backoff.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.teardownLocked(websocket.StatusNormalClosure, "manual reconnect")
	m.attempts = 0
	m.intentional = false
	m.state = models.StateDisconnected
	m.mu.Unlock()

	m.Connect()
}

// Disconnect force-closes the transport and cancels pending timers without
// ending the manager's lifetime: no retry is scheduled, but a later Connect
// or Reconnect can bring the connection back up. Used when a fatal server
// error terminates the connection while the session itself lives on.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.teardownLocked(websocket.StatusNormalClosure, "client disconnecting")
	m.state = models.StateDisconnected
	m.mu.Unlock()

	m.notifyState(models.StateDisconnected)
}

// Close tears the session down for good: like Disconnect, but the manager's
// lifetime context is cancelled so in-flight reads and dials unblock and no
// future connect is possible.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	m.teardownLocked(websocket.StatusNormalClosure, "client closing")
	m.state = models.StateDisconnected
	m.mu.Unlock()

	m.cancel()
	m.notifyState(models.StateDisconnected)
}

// teardownLocked closes the transport and cancels pending timers. Called
// with m.mu held.
func (m *Manager) teardownLocked(code websocket.StatusCode, reason string) {
	m.generation++
	m.connecting = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopHeartbeatLocked()
	if m.conn != nil {
		_ = m.conn.Close(code, reason)
		m.conn = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		close(m.heartbeat)
		m.heartbeat = nil
	}
}

func (m *Manager) notifyState(state models.ConnectionState) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(state)
	}
}

// Package hub terminates the WebSocket transport: it authenticates the
// connection, runs the read and write pumps and dispatches client frames to
// the key directory and the message router.
package hub

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mensageria/internal/database"
	"mensageria/internal/errs"
	"mensageria/internal/protocol"
	"mensageria/internal/registry"
)

type Config struct {
	// AuthTimeout bounds the wait for the first (auth) frame.
	AuthTimeout time.Duration
	WriteWait   time.Duration
	// PongWait is the read deadline; any frame or pong extends it.
	PongWait time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod     time.Duration
	MaxFrameSize   int64
	SendBuffer     int
	HistoryLimit   int
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
}

type Authenticator interface {
	Validate(ctx context.Context, token string) (string, error)
}

type KeyDirectory interface {
	Upload(ctx context.Context, userID string, key []byte) (database.KeyRecord, error)
	Lookup(ctx context.Context, userID string) (database.KeyRecord, error)
}

type History interface {
	History(ctx context.Context, senderID, recipientID string, afterSequence uint64) iter.Seq2[database.Message, error]
}

type Router interface {
	Connect(userID string, c *registry.Conn) string
	OnReconnect(ctx context.Context, userID string, c *registry.Conn) (int, error)
	Send(ctx context.Context, senderID, recipientID string, ciphertext, nonce []byte) (database.Message, error)
	OnAck(ctx context.Context, userID, messageID string) error
	Resync(ctx context.Context, userID string) (int, error)
	Detach(c *registry.Conn)
}

type Hub struct {
	ctx      context.Context
	cfg      Config
	upgrader websocket.Upgrader
	auth     Authenticator
	keys     KeyDirectory
	router   Router
	history  History
	reg      *registry.Registry
	presence *Presence
	logger   *slog.Logger

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

func New(ctx context.Context, cfg Config, auth Authenticator, keys KeyDirectory, router Router, history History, reg *registry.Registry, presence *Presence, logger *slog.Logger) *Hub {
	cfg.setDefaults()
	h := &Hub{
		ctx:      ctx,
		cfg:      cfg,
		auth:     auth,
		keys:     keys,
		router:   router,
		history:  history,
		reg:      reg,
		presence: presence,
		logger:   logger.With("component", "hub"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS upgrades the request and serves the connection until it closes.
// The first frame must be auth; a connection that fails it is refused.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", "error", err)
		return
	}
	if !h.track() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	defer h.sessions.Done()

	auth, userID, err := h.authenticate(ws)
	if err != nil {
		h.refuse(ws, err)
		return
	}
	if err := h.write(ws, protocol.TypeAuthOK, protocol.AuthOK{UserID: userID}); err != nil {
		h.logger.Warn("auth-ok not written", "user_id", userID, "error", err)
		_ = ws.Close()
		return
	}

	conn := registry.NewConn(userID, auth.DeviceID, h.cfg.SendBuffer)
	client := newClient(h, ws, conn)
	h.router.Connect(userID, conn)

	go client.WritePump()
	h.sessions.Add(1)
	go func() {
		defer h.sessions.Done()
		if _, err := h.router.OnReconnect(h.ctx, userID, conn); err != nil {
			h.logger.Warn("reconnect flush failed", "user_id", userID, "conn_id", conn.ID(), "error", err)
		}
	}()
	client.ReadPump()
}

// track registers a session unless the hub is draining.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions.Add(1)
	return true
}

// Wait refuses new sessions and blocks until every running one, including
// its reconnect flush and disconnect requeue, has returned. Sessions only
// end once the hub context is done or their clients leave.
func (h *Hub) Wait() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.sessions.Wait()
}

func (h *Hub) authenticate(ws *websocket.Conn) (protocol.Auth, string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	ws.SetReadLimit(h.cfg.MaxFrameSize)

	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Auth{}, "", err
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return protocol.Auth{}, "", err
	}
	if frame.Type != protocol.TypeAuth {
		return protocol.Auth{}, "", errors.New("first frame must be auth")
	}
	var auth protocol.Auth
	if err := protocol.DecodePayload(frame, &auth); err != nil {
		return protocol.Auth{}, "", err
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.AuthTimeout)
	defer cancel()
	userID, err := h.auth.Validate(ctx, auth.Token)
	if err != nil {
		return protocol.Auth{}, "", err
	}
	return auth, userID, nil
}

func (h *Hub) refuse(ws *websocket.Conn, cause error) {
	reason := "invalid"
	switch {
	case errors.Is(cause, errs.ErrExpiredSession):
		reason = "expired"
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(cause, &netErr) && netErr.Timeout() {
			reason = "timeout"
		}
	}
	h.logger.Info("connection refused", "reason", reason, "error", cause)

	if err := h.write(ws, protocol.TypeAuthFail, protocol.AuthFail{Reason: reason}); err == nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
	}
	if err := ws.Close(); err != nil {
		h.logger.Debug("close refused connection", "error", err)
	}
}

// write sends a frame directly on ws. Only used before the write pump runs.
func (h *Hub) write(ws *websocket.Conn, typ string, payload any) error {
	raw, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, raw)
}

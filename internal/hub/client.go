package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"mensageria/internal/errs"
	"mensageria/internal/protocol"
	"mensageria/internal/registry"
)

// Client is one authenticated socket. ReadPump owns reads, WritePump owns
// writes; all frames for the socket go through conn's outbound channel.
type Client struct {
	hub    *Hub
	ws     *websocket.Conn
	conn   *registry.Conn
	userID string
	// subscriptions is only touched by ReadPump.
	subscriptions map[string]struct{}
	logger        *slog.Logger
}

func newClient(h *Hub, ws *websocket.Conn, conn *registry.Conn) *Client {
	return &Client{
		hub:           h,
		ws:            ws,
		conn:          conn,
		userID:        conn.UserID,
		subscriptions: make(map[string]struct{}),
		logger:        h.logger.With("user_id", conn.UserID, "conn_id", conn.ID()),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		for userID := range c.subscriptions {
			c.hub.presence.Unsubscribe(userID, c.conn)
		}
		c.hub.router.Detach(c.conn)
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxFrameSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.hub.reg.Touch(c.conn.ID())
		c.extendDeadline()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.hub.ctx.Err() != nil || c.conn.Closed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
		c.hub.reg.Touch(c.conn.ID())
		c.extendDeadline()
		c.dispatch(data)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("close websocket", "error", err)
		}
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.conn.Done():
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		case frame := <-c.conn.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.cfg.WriteWait))
}

func (c *Client) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
}

func (c *Client) dispatch(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.replyError(protocol.CodeBadFrame, "malformed frame", "")
		return
	}
	ctx := c.hub.ctx

	switch frame.Type {
	case protocol.TypePing:
		c.reply(protocol.TypePong, nil)
	case protocol.TypeKeyUpload:
		c.keyUpload(ctx, frame)
	case protocol.TypeKeyLookup:
		c.keyLookup(ctx, frame)
	case protocol.TypeMessage:
		c.message(ctx, frame)
	case protocol.TypeMessageAck:
		c.messageAck(ctx, frame)
	case protocol.TypePresence:
		c.presence(frame)
	case protocol.TypeHistory:
		c.historyQuery(ctx, frame)
	case protocol.TypeResync:
		if _, err := c.hub.router.Resync(ctx, c.userID); err != nil {
			c.logger.Warn("resync failed", "error", err)
		}
	default:
		c.replyError(protocol.CodeBadFrame, "unknown frame type "+frame.Type, "")
	}
}

func (c *Client) keyUpload(ctx context.Context, frame protocol.Frame) {
	var in protocol.KeyUpload
	if err := protocol.DecodePayload(frame, &in); err != nil {
		c.replyError(protocol.CodeBadFrame, err.Error(), "")
		return
	}
	rec, err := c.hub.keys.Upload(ctx, c.userID, in.PublicKey)
	if err != nil {
		if errors.Is(err, errs.ErrMalformedUpload) {
			c.replyError(protocol.CodeMalformed, err.Error(), "")
			return
		}
		c.logger.Error("key upload", "error", err)
		c.replyError(protocol.CodeInternal, "key upload failed", "")
		return
	}
	c.reply(protocol.TypeKeyAck, protocol.KeyAck{Version: rec.Version, UploadedAt: rec.UploadedAt})
}

func (c *Client) keyLookup(ctx context.Context, frame protocol.Frame) {
	var in protocol.KeyLookup
	if err := protocol.DecodePayload(frame, &in); err != nil || in.UserID == "" {
		c.replyError(protocol.CodeBadFrame, "key-lookup needs userId", "")
		return
	}
	rec, err := c.hub.keys.Lookup(ctx, in.UserID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.reply(protocol.TypeKeyNotFound, protocol.KeyNotFound{UserID: in.UserID})
	case err != nil:
		c.logger.Error("key lookup", "error", err)
		c.replyError(protocol.CodeInternal, "key lookup failed", "")
	default:
		c.reply(protocol.TypeKeyResult, protocol.KeyResult{
			UserID:     rec.UserID,
			PublicKey:  rec.PublicKey,
			UploadedAt: rec.UploadedAt,
		})
	}
}

func (c *Client) message(ctx context.Context, frame protocol.Frame) {
	var in protocol.SendMessage
	if err := protocol.DecodePayload(frame, &in); err != nil {
		c.replyError(protocol.CodeBadFrame, err.Error(), "")
		return
	}
	m, err := c.hub.router.Send(ctx, c.userID, in.RecipientID, in.Ciphertext, in.Nonce)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrMalformedUpload):
			c.replyError(protocol.CodeMalformed, err.Error(), in.ClientRef)
		default:
			c.logger.Error("message rejected", "recipient_id", in.RecipientID, "error", err)
			c.replyError(protocol.CodeRejected, "message not accepted", in.ClientRef)
		}
		return
	}
	c.reply(protocol.TypeMessageAccepted, protocol.MessageAccepted{
		MessageID: m.ID,
		Sequence:  m.Sequence,
		ClientRef: in.ClientRef,
	})
}

func (c *Client) messageAck(ctx context.Context, frame protocol.Frame) {
	var in protocol.MessageAck
	if err := protocol.DecodePayload(frame, &in); err != nil || in.MessageID == "" {
		c.replyError(protocol.CodeBadFrame, "message-ack needs messageId", "")
		return
	}
	if err := c.hub.router.OnAck(ctx, c.userID, in.MessageID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.replyError(protocol.CodeNotFound, "unknown message", in.MessageID)
			return
		}
		c.logger.Error("ack failed", "message_id", in.MessageID, "error", err)
		c.replyError(protocol.CodeInternal, "ack failed", in.MessageID)
	}
}

func (c *Client) presence(frame protocol.Frame) {
	var in protocol.Presence
	if err := protocol.DecodePayload(frame, &in); err != nil || in.UserID == "" {
		c.replyError(protocol.CodeBadFrame, "presence needs userId", "")
		return
	}
	c.subscriptions[in.UserID] = struct{}{}
	online := c.hub.presence.Subscribe(in.UserID, c.conn)
	c.reply(protocol.TypePresence, protocol.Presence{UserID: in.UserID, Online: online})
}

func (c *Client) historyQuery(ctx context.Context, frame protocol.Frame) {
	var in protocol.History
	if err := protocol.DecodePayload(frame, &in); err != nil || in.PeerID == "" {
		c.replyError(protocol.CodeBadFrame, "history needs peerId", "")
		return
	}
	limit := in.Limit
	if limit <= 0 || limit > c.hub.cfg.HistoryLimit {
		limit = c.hub.cfg.HistoryLimit
	}

	out := protocol.HistoryResult{PeerID: in.PeerID, Messages: []protocol.Message{}}
	for m, err := range c.hub.history.History(ctx, in.PeerID, c.userID, in.AfterSequence) {
		if err != nil {
			c.logger.Error("history", "peer_id", in.PeerID, "error", err)
			c.replyError(protocol.CodeInternal, "history failed", "")
			return
		}
		out.Messages = append(out.Messages, protocol.FromMessage(m))
		if len(out.Messages) == limit {
			break
		}
	}
	c.reply(protocol.TypeHistoryResult, out)
}

func (c *Client) reply(typ string, payload any) {
	raw, err := protocol.Encode(typ, payload)
	if err != nil {
		c.logger.Error("encode reply", "type", typ, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.hub.ctx, c.hub.cfg.WriteWait)
	defer cancel()
	if err := c.hub.reg.Deliver(ctx, c.conn, raw); err != nil {
		c.logger.Debug("reply dropped", "type", typ, "error", err)
	}
}

func (c *Client) replyError(code, message, ref string) {
	c.reply(protocol.TypeError, protocol.Error{Code: code, Message: message, Ref: ref})
}

package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/logger"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// Connection pump tuning, grounded on the same numbers the teacher's
// gateway/websocket client uses: pongWait is the read deadline renewed by
// every pong, pingPeriod keeps a margin under it so a ping always lands
// before the deadline expires.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 64
)

// Client is one authenticated WebSocket connection. Messages off the wire
// are dispatched serially in ReadPump's own goroutine (preserving the
// per-connection ordering guarantee); messages destined for the client
// flow through the buffered send channel that WritePump drains, the one
// queue Hub.Broadcast can overflow.
type Client struct {
	id         string
	claims     *auth.Claims
	conn       *gorillaws.Conn
	hub        *Hub
	dispatcher *ws.Dispatcher
	send       chan []byte
	closed     atomic.Bool
	log        *logger.Logger
}

func NewClient(id string, claims *auth.Claims, conn *gorillaws.Conn, hub *Hub, dispatcher *ws.Dispatcher, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		id:         id,
		claims:     claims,
		conn:       conn,
		hub:        hub,
		dispatcher: dispatcher,
		send:       make(chan []byte, sendBufferSize),
		log:        log,
	}
}

func (c *Client) UserID() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.UserID
}

// trySend enqueues data without blocking; false means the queue is full
// (or the client is already closed) and the caller must disconnect it.
func (c *Client) trySend(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close is idempotent; safe to call from Hub (on overflow) or from the
// client's own pumps (on read/write error).
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.send)
		_ = c.conn.Close()
	}
}

// ReadPump owns the connection's read side until the socket closes or ctx
// is cancelled (daemon shutdown), then unregisters and closes the client.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	authedCtx := withClaims(ctx, c.claims)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.handleMessage(authedCtx, data)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var msg ws.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "", ws.ErrorCodeBadRequest, "malformed message")
		return
	}

	switch msg.Action {
	case ws.ActionChannelSubscribe, ws.ActionChannelUnsubscribe:
		c.handleSubscription(&msg)
		return
	}

	resp, err := c.dispatcher.Dispatch(ctx, &msg)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	if resp != nil {
		c.sendMessage(resp)
	}
}

func (c *Client) handleSubscription(msg *ws.Message) {
	var payload struct {
		Channel string `json:"channel"`
	}
	if err := msg.ParsePayload(&payload); err != nil || payload.Channel == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "payload.channel is required")
		return
	}

	switch msg.Action {
	case ws.ActionChannelSubscribe:
		c.hub.Subscribe(payload.Channel, c)
	case ws.ActionChannelUnsubscribe:
		c.hub.Unsubscribe(payload.Channel, c)
	}
	resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]any{"channel": payload.Channel, "ok": true})
	if err != nil {
		return
	}
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("realtime: failed to marshal outbound message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.log.Warn("realtime: client send queue overflowed on direct reply, disconnecting", zap.String("clientId", c.id))
		c.hub.Unregister(c)
		c.Close()
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// WritePump owns the connection's write side: it drains send and emits
// periodic pings, the standard pair-of-goroutines pattern every
// gorilla/websocket connection needs since only one goroutine may write to
// a *websocket.Conn at a time.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

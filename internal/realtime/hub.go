package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// Hub is C8's channel-scoped broadcaster: clients subscribe to named
// channels (per-session, per-board, per-user, per-service) and every
// mutation or streaming event is fanned out to exactly the clients
// subscribed to the channels it touches. Unlike the silent-drop-on-full
// pattern, a client whose send queue overflows is disconnected outright —
// a slow client must never stall or lose events for the publisher, and a
// client that can't keep up has no way to tell silently-dropped
// notifications from ones that never happened.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client            // clientID -> Client
	channels map[string]map[string]*Client // channel -> clientID -> Client
	log      *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
		log:      log,
	}
}

// Register adds a connected client to the hub, ready to be subscribed.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// Unregister removes a client from the hub and every channel it had
// subscribed to.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for channel, subs := range h.channels {
		if _, ok := subs[c.id]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()
}

// Subscribe adds c to channel's subscriber set.
func (h *Hub) Subscribe(channel string, c *Client) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Client)
		h.channels[channel] = subs
	}
	subs[c.id] = c
	h.mu.Unlock()
}

// Unsubscribe removes c from channel's subscriber set.
func (h *Hub) Unsubscribe(channel string, c *Client) {
	h.mu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
}

// Broadcast fans msg out to every client subscribed to channel. A client
// whose bounded send queue is already full is disconnected rather than
// having the notification silently dropped.
func (h *Hub) Broadcast(channel string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("realtime: failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := h.channels[channel]
	targets := make([]*Client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(data) {
			h.log.Warn("realtime: client send queue overflowed, disconnecting",
				zap.String("clientId", c.id), zap.String("channel", channel))
			h.Unregister(c)
			c.Close()
		}
	}
}

// BroadcastEvent is a convenience wrapper building a notification Message
// from an action and payload before broadcasting it.
func (h *Hub) BroadcastEvent(channel, action string, payload any) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		h.log.Warn("realtime: failed to build notification", zap.String("action", action), zap.Error(err))
		return
	}
	h.Broadcast(channel, msg)
}

// Broadcaster is the narrow facade Registry depends on, so the service
// pipeline's mutation-broadcast step doesn't need to know about Clients or
// WS framing; it wraps a Hub.
type Broadcaster struct {
	hub *Hub
}

func NewBroadcaster(hub *Hub) *Broadcaster { return &Broadcaster{hub: hub} }

// PublishEvent broadcasts a service mutation to that service's channel
// ("service:<name>"), using "<name>.<eventType>" as the notification
// action, matching the <entity>.<event> naming the rest of the wire
// protocol's action constants use.
func (b *Broadcaster) PublishEvent(service, eventType string, payload any) {
	b.hub.BroadcastEvent("service:"+service, service+"."+eventType, payload)
}

// PublishToChannel broadcasts directly to an arbitrary channel (per-session,
// per-board, per-user), for events that don't correspond to a generic
// service mutation.
func (b *Broadcaster) PublishToChannel(channel, action string, payload any) {
	b.hub.BroadcastEvent(channel, action, payload)
}

package realtime

import (
	"context"
	"fmt"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/events/bus"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// eventActions maps the session engine's published event types to the
// notification action a WS subscriber sees. The engine (C7) never touches
// Hub directly — cross-process streaming is "executor -> typed RPC ->
// daemon service emits", and within the daemon the engine only ever emits
// onto the EventBus; EventBridge is the one place that turns those events
// into channel broadcasts.
var eventActions = map[string]string{
	events.AgentStarted:         ws.ActionTaskUpdated,
	events.AgentRunning:         ws.ActionTaskUpdated,
	events.AgentReady:           ws.ActionTaskUpdated,
	events.AgentCompleted:       ws.ActionTaskUpdated,
	events.AgentFailed:          ws.ActionTaskUpdated,
	events.AgentStopped:         ws.ActionTaskUpdated,
	events.SessionStatusChanged: ws.ActionSessionUpdated,
	events.PermissionRequested:  ws.ActionTaskPermission,
	events.PermissionDecided:    "task.permission_decided",
	events.MessageStreamStart:   "messages.streaming.start",
	events.MessageStreamChunk:   "messages.streaming.chunk",
	events.MessageStreamEnd:     "messages.streaming.end",
	events.MessageStreamError:   "messages.streaming.error",
}

// EventBridge subscribes to every session-scoped event type the engine
// publishes and relays each to the session's and task's realtime channels.
// Subjects are "<eventType>.<sessionId>" (see events.BuildSessionSubject),
// so each subscription uses a single-token wildcard to match every session.
type EventBridge struct {
	bus  bus.EventBus
	hub  *Hub
	log  *logger.Logger
	subs []bus.Subscription
}

func NewEventBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBridge {
	if log == nil {
		log = logger.Default()
	}
	return &EventBridge{bus: eventBus, hub: hub, log: log}
}

// Start subscribes to every mapped event type. Call once at daemon
// startup, after the EventBus is constructed and before the session
// engine can publish anything.
func (b *EventBridge) Start() error {
	if b.bus == nil {
		return nil
	}
	for eventType, action := range eventActions {
		eventType, action := eventType, action
		sub, err := b.bus.Subscribe(eventType+".*", func(ctx context.Context, evt *bus.Event) error {
			b.relay(action, evt)
			return nil
		})
		if err != nil {
			return fmt.Errorf("realtime: subscribe to %s: %w", eventType, err)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *EventBridge) relay(action string, evt *bus.Event) {
	sessionID, _ := evt.Data["sessionId"].(string)
	taskID, _ := evt.Data["taskId"].(string)
	if sessionID != "" {
		b.hub.BroadcastEvent("session:"+sessionID, action, evt.Data)
	}
	if taskID != "" {
		b.hub.BroadcastEvent("task:"+taskID, action, evt.Data)
	}
}

// Close unsubscribes from the event bus, for daemon shutdown.
func (b *EventBridge) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
}

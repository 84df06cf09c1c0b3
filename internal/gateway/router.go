package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/events/bus"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
)

// Router owns every push-mode GatewayConnector and the inbound/outbound
// routing glue between them and the session engine. It never touches a
// worktree's filesystem directly — inbound messages become session-engine
// prompts exactly the way the HTTP prompt route does.
type Router struct {
	repos  *store.Repositories
	engine *session.Engine
	bus    bus.EventBus
	log    *logger.Logger

	connectors map[string]GatewayConnector

	hasActiveChannels atomic.Bool
	subs              []bus.Subscription
	mu                sync.Mutex
}

// NewRouter constructs the connectors named by cfg and wires them to repos
// and engine, but does not yet open any connection — call Start for that.
func NewRouter(cfg config.GatewayConfig, repos *store.Repositories, engine *session.Engine, eventBus bus.EventBus, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	r := &Router{
		repos:      repos,
		engine:     engine,
		bus:        eventBus,
		log:        log,
		connectors: make(map[string]GatewayConnector),
	}

	if cfg.DiscordEnabled && cfg.DiscordToken != "" {
		if conn, err := NewDiscordConnector(cfg.DiscordToken, log); err != nil {
			log.Error("gateway: failed to build discord connector", zap.Error(err))
		} else {
			r.connectors[conn.ChannelType()] = conn
		}
	}
	if cfg.TelegramEnabled && cfg.TelegramToken != "" {
		if conn, err := NewTelegramConnector(cfg.TelegramToken, log); err != nil {
			log.Error("gateway: failed to build telegram connector", zap.Error(err))
		} else {
			r.connectors[conn.ChannelType()] = conn
		}
	}
	return r
}

// Start opens every configured connector's listener and begins relaying
// completed Tasks outbound to any thread mapped to them. A listener is
// started for every connector built from the gateway config, whether or not
// the store holds an enabled channel of that type; inbound messages on
// unknown or disabled channel keys are dropped by handleInbound. Channel
// mutations after startup do not start or stop listeners.
func (r *Router) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("gateway: initial channel refresh: %w", err)
	}

	for channelType, conn := range r.connectors {
		conn := conn
		if err := conn.StartListening(ctx, r.handleInbound); err != nil {
			r.log.Error("gateway: connector failed to start", zap.String("channelType", channelType), zap.Error(err))
		}
	}

	if r.bus != nil {
		for _, eventType := range []string{events.AgentCompleted, events.AgentStopped, events.AgentFailed} {
			eventType := eventType
			sub, err := r.bus.Subscribe(eventType+".*", func(ctx context.Context, evt *bus.Event) error {
				r.handleOutbound(ctx, evt)
				return nil
			})
			if err != nil {
				return fmt.Errorf("gateway: subscribe to %s: %w", eventType, err)
			}
			r.subs = append(r.subs, sub)
		}
	}
	return nil
}

// Stop closes every connector's listener and the outbound event
// subscriptions, for daemon shutdown or a channel being disabled.
func (r *Router) Stop() {
	for channelType, conn := range r.connectors {
		if err := conn.StopListening(); err != nil {
			r.log.Warn("gateway: connector failed to stop cleanly", zap.String("channelType", channelType), zap.Error(err))
		}
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

// Refresh recomputes hasActiveChannels from the store. Call it after any
// GatewayChannel create/patch/remove so the outbound fast path reflects the
// current configuration without a daemon restart.
func (r *Router) Refresh(ctx context.Context) error {
	channels, err := r.repos.GatewayChannels.ListEnabled(ctx)
	if err != nil {
		return err
	}
	r.hasActiveChannels.Store(len(channels) > 0)
	return nil
}

// handleInbound implements C9's inbound algorithm: authenticate by
// channel_key, honor requires_mapping_verification, reuse or create the
// Session <-> thread binding, then dispatch the text as a prompt.
func (r *Router) handleInbound(ctx context.Context, msg InboundMessage) {
	channel, err := r.repos.GatewayChannels.GetByKey(ctx, msg.ChannelKey)
	if err != nil {
		r.log.Debug("gateway: inbound message on unknown channel key", zap.String("channelKey", msg.ChannelKey))
		return
	}
	if !channel.Enabled {
		return
	}

	existing, mapErr := r.repos.ThreadSessionMaps.Get(ctx, channel.ID, msg.ThreadID)
	hasMapping := mapErr == nil && existing != nil

	if msg.Metadata["requires_mapping_verification"] == "true" && !hasMapping {
		conn := r.connectors[channel.ChannelType]
		if conn != nil {
			_ = conn.SendMessage(ctx, msg.ThreadID, "This thread isn't linked to an Agor session yet. Ask an admin to register it first.")
		}
		return
	}

	var sessionID string
	if hasMapping {
		sessionID = existing.SessionID
	} else {
		sess, err := r.createSession(ctx, channel)
		if err != nil {
			r.log.Error("gateway: failed to create session for inbound message", zap.Error(err), zap.String("channelId", channel.ID))
			return
		}
		sessionID = sess.ID
		if err := r.repos.ThreadSessionMaps.Create(ctx, &store.ThreadSessionMap{
			ChannelID: channel.ID,
			ThreadID:  msg.ThreadID,
			SessionID: sessionID,
		}); err != nil {
			r.log.Error("gateway: failed to persist thread->session mapping", zap.Error(err))
			return
		}
	}

	if _, err := r.engine.Prompt(ctx, session.PromptRequest{SessionID: sessionID, Prompt: msg.Text}); err != nil {
		r.log.Error("gateway: prompt dispatch failed", zap.Error(err), zap.String("sessionId", sessionID))
	}
}

// gatewayAgenticConfig is the subset of GatewayChannel.AgenticConfigJ a new
// Session reads to pick its tool and permission mode; unset fields fall
// back to the same defaults the CLI's session-create path uses.
type gatewayAgenticConfig struct {
	AgenticTool    string `json:"agenticTool"`
	PermissionMode string `json:"permissionMode"`
}

func (r *Router) createSession(ctx context.Context, channel *store.GatewayChannel) (*store.Session, error) {
	cfg := gatewayAgenticConfig{AgenticTool: "claude-code", PermissionMode: "acceptEdits"}
	if channel.AgenticConfigJ != "" && channel.AgenticConfigJ != "{}" {
		var parsed gatewayAgenticConfig
		if err := json.Unmarshal([]byte(channel.AgenticConfigJ), &parsed); err == nil {
			if parsed.AgenticTool != "" {
				cfg.AgenticTool = parsed.AgenticTool
			}
			if parsed.PermissionMode != "" {
				cfg.PermissionMode = parsed.PermissionMode
			}
		}
	}

	sess, err := r.engine.CreateSession(ctx, session.CreateSessionRequest{
		WorktreeID:     channel.TargetWorktreeID,
		CreatedBy:      channel.AgorUserID,
		AgenticTool:    cfg.AgenticTool,
		PermissionMode: cfg.PermissionMode,
	})
	if err != nil {
		return nil, err
	}

	sess.CustomContext = map[string]any{
		"gatewaySource": map[string]any{
			"channelType": channel.ChannelType,
			"channelId":   channel.ID,
		},
	}
	if err := r.repos.Sessions.Update(ctx, sess); err != nil {
		r.log.Warn("gateway: failed to denormalize gateway source onto session", zap.Error(err), zap.String("sessionId", sess.ID))
	}
	return sess, nil
}

// handleOutbound implements C9's outbound algorithm: fast-path skip when no
// channel is active, look up the thread mapping by session, then send the
// completed Task's assistant reply through the bound connector.
func (r *Router) handleOutbound(ctx context.Context, evt *bus.Event) {
	if !r.hasActiveChannels.Load() {
		return
	}
	sessionID, _ := evt.Data["sessionId"].(string)
	taskID, _ := evt.Data["taskId"].(string)
	if sessionID == "" || taskID == "" {
		return
	}

	mapping, err := r.repos.ThreadSessionMaps.GetBySessionID(ctx, sessionID)
	if err != nil {
		return
	}
	channel, err := r.repos.GatewayChannels.Get(ctx, mapping.ChannelID)
	if err != nil || !channel.Enabled {
		return
	}
	conn := r.connectors[channel.ChannelType]
	if conn == nil {
		return
	}

	text, err := r.assistantReplyText(ctx, taskID)
	if err != nil || text == "" {
		return
	}

	if err := conn.SendMessage(ctx, mapping.ThreadID, text); err != nil {
		r.log.Warn("gateway: outbound send failed", zap.Error(err), zap.String("sessionId", sessionID))
		return
	}
	_ = r.repos.ThreadSessionMaps.TouchLastMessageAt(ctx, mapping.ChannelID, mapping.ThreadID)
	_ = r.repos.GatewayChannels.TouchLastMessageAt(ctx, channel.ID)
}

func (r *Router) assistantReplyText(ctx context.Context, taskID string) (string, error) {
	messages, err := r.repos.Messages.ListByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range messages {
		if m.Role != store.RoleAssistant {
			continue
		}
		for _, block := range m.Content {
			if block.Type == store.BlockText {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(block.Text)
			}
		}
	}
	return b.String(), nil
}

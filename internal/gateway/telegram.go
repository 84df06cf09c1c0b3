package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// TelegramConnector relays messages between Agor and a single Telegram bot
// over long polling. The channel key is the chat ID (as a decimal string);
// forum-topic chats further qualify the thread with ":topic:<id>" so each
// topic maps to its own Session, mirroring how Discord threads would.
type TelegramConnector struct {
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	log        *logger.Logger
}

func NewTelegramConnector(token string, log *logger.Logger) (*TelegramConnector, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("gateway: create telegram bot: %w", err)
	}
	return &TelegramConnector{bot: bot, log: log}, nil
}

func (c *TelegramConnector) ChannelType() string { return "telegram" }

func (c *TelegramConnector) StartListening(ctx context.Context, handler InboundHandler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("gateway: start telegram long polling: %w", err)
	}

	c.log.Info("telegram gateway connector connected", zap.String("username", c.bot.Username()))

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				chatID := update.Message.Chat.ID
				threadID := telegramThreadKey(chatID, update.Message.MessageThreadID)
				handler(pollCtx, InboundMessage{
					ChannelKey: fmt.Sprintf("%d", chatID),
					ThreadID:   threadID,
					Text:       update.Message.Text,
					Metadata: map[string]string{
						"chatId":   fmt.Sprintf("%d", chatID),
						"senderId": fmt.Sprintf("%d", update.Message.From.ID),
						"isGroup":  fmt.Sprintf("%t", update.Message.Chat.Type == "group" || update.Message.Chat.Type == "supergroup"),
					},
				})
			}
		}
	}()

	return nil
}

func (c *TelegramConnector) StopListening() error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram gateway connector: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *TelegramConnector) SendMessage(ctx context.Context, threadID, text string) error {
	chatID, topicID, err := parseTelegramThreadKey(threadID)
	if err != nil {
		return err
	}
	msg := tu.Message(tu.ID(chatID), text)
	if topicID > 0 && topicID != telegramGeneralTopicID {
		msg.MessageThreadID = topicID
	}
	_, err = c.bot.SendMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("gateway: send telegram message: %w", err)
	}
	return nil
}

// telegramGeneralTopicID is the fixed topic ID Telegram assigns the
// "General" topic in forum supergroups; it must be omitted from outgoing
// API calls, which reject it with "thread not found".
const telegramGeneralTopicID = 1

func telegramThreadKey(chatID int64, messageThreadID int) string {
	if messageThreadID == 0 {
		return fmt.Sprintf("%d", chatID)
	}
	return fmt.Sprintf("%d:topic:%d", chatID, messageThreadID)
}

func parseTelegramThreadKey(key string) (chatID int64, topicID int, err error) {
	raw := key
	if idx := strings.Index(key, ":topic:"); idx > 0 {
		raw = key[:idx]
		if _, serr := fmt.Sscanf(key[idx+len(":topic:"):], "%d", &topicID); serr != nil {
			return 0, 0, fmt.Errorf("gateway: invalid telegram thread key %q: %w", key, serr)
		}
	}
	if _, serr := fmt.Sscanf(raw, "%d", &chatID); serr != nil {
		return 0, 0, fmt.Errorf("gateway: invalid telegram chat id in key %q: %w", key, serr)
	}
	return chatID, topicID, nil
}

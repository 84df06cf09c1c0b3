package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// DiscordConnector relays messages between Agor and a single Discord bot
// application. One bot serves every "discord" GatewayChannel row; the
// channel key is the Discord channel ID itself, so authentication is just
// "does a GatewayChannel with this channel_key exist and is it enabled".
type DiscordConnector struct {
	session   *discordgo.Session
	botUserID string
	log       *logger.Logger
}

// NewDiscordConnector builds the connector from a bot token but does not
// open the gateway connection — that happens in StartListening.
func NewDiscordConnector(token string, log *logger.Logger) (*DiscordConnector, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("gateway: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &DiscordConnector{session: session, log: log}, nil
}

func (c *DiscordConnector) ChannelType() string { return "discord" }

func (c *DiscordConnector) StartListening(ctx context.Context, handler InboundHandler) error {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
			return
		}
		content := m.Content
		for _, att := range m.Attachments {
			if content != "" {
				content += "\n"
			}
			content += fmt.Sprintf("[attachment: %s]", att.URL)
		}
		if content == "" {
			return
		}
		handler(ctx, InboundMessage{
			ChannelKey: m.ChannelID,
			ThreadID:   m.ChannelID,
			Text:       content,
			Metadata: map[string]string{
				"authorId":       m.Author.ID,
				"authorUsername": m.Author.Username,
				"guildId":        m.GuildID,
				"messageId":      m.ID,
			},
		})
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("gateway: open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("gateway: fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.log.Info("discord gateway connector connected", zap.String("username", user.Username), zap.String("id", user.ID))
	return nil
}

func (c *DiscordConnector) StopListening() error {
	return c.session.Close()
}

func (c *DiscordConnector) SendMessage(ctx context.Context, threadID, text string) error {
	threadID, err := discordChannelID(threadID)
	if err != nil {
		return err
	}
	const maxLen = 2000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastNewline(text[:maxLen]); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(threadID, chunk); err != nil {
			return fmt.Errorf("gateway: send discord message: %w", err)
		}
	}
	return nil
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

// discordChannelID validates that a channel key looks like a Discord
// snowflake before it's used in an API call, guarding against a malformed
// binding silently failing deep inside discordgo.
func discordChannelID(channelKey string) (string, error) {
	if _, err := strconv.ParseUint(channelKey, 10, 64); err != nil {
		return "", fmt.Errorf("gateway: invalid discord channel id %q: %w", channelKey, err)
	}
	return channelKey, nil
}

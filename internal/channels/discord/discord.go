// Package discord implements the channels.Channel contract over the
// Discord gateway, as an ambient extra channel alongside the WhatsApp and
// Telegram channels named in the bridge's scope.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/clawbridge/clawbridge/internal/channels"
)

const discordMaxMessageLen = 2000

// Config holds everything needed to connect a Discord bot.
type Config struct {
	Token string
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

// New creates a Discord channel from config. It does not connect until
// Start is called.
func New(cfg Config) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("discord", "dc"),
		session:     session,
	}
	session.AddHandler(c.handleMessage)
	return c, nil
}

func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord channel", "component", "channel.discord")

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)

	slog.Info("discord channel connected", "component", "channel.discord", "username", user.Username)
	return nil
}

func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping discord channel", "component", "channel.discord")
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) SetTyping(_ context.Context, chatJID string, on bool) error {
	if !on {
		return nil
	}
	return c.session.ChannelTyping(c.Unprefixed(chatJID))
}

// SendMessage chunks content to Discord's 2000-character limit, preferring
// to break on a newline near the limit.
func (c *Channel) SendMessage(_ context.Context, chatJID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	channelID := c.Unprefixed(chatJID)
	if channelID == "" {
		return fmt.Errorf("empty chat id for discord send")
	}

	for _, chunk := range channels.ChunkByWidth(content, discordMaxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
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

	slog.Debug("discord message received",
		"component", "channel.discord",
		"channel_id", m.ChannelID,
		"preview", channels.Truncate(content, 50),
	)

	c.Deliver(channels.InboundMessage{
		MessageID:  c.Prefixed(m.ChannelID) + ":" + m.ID,
		ChatJID:    c.Prefixed(m.ChannelID),
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    content,
		Timestamp:  m.Timestamp.UnixMilli(),
		IsGroup:    m.GuildID != "",
	})
}

// Package telegram implements the channels.Channel contract over the
// Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/clawbridge/clawbridge/internal/channels"
)

const telegramMaxMessageLen = 4096

// Config holds everything needed to connect a Telegram bot.
type Config struct {
	Token string
}

// Channel wraps a telego.Bot as a channels.Channel.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	botHandler *th.BotHandler
	cancel     context.CancelFunc
}

// New creates a Telegram channel from config. It does not connect until
// Start is called.
func New(cfg Config) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", "tg"),
		bot:         bot,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram channel", "component", "channel.telegram")

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	handler, err := th.NewBotHandler(c.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create telegram handler: %w", err)
	}
	c.botHandler = handler

	handler.HandleMessage(c.handleMessage)

	go handler.Start()
	go func() {
		<-runCtx.Done()
		_ = handler.Stop()
	}()

	c.SetRunning(true)
	slog.Info("telegram channel connected", "component", "channel.telegram")
	return nil
}

func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping telegram channel", "component", "channel.telegram")
	c.SetRunning(false)
	if c.cancel != nil {
		// Stops both the handler loop and the long-polling updates channel,
		// which is bound to the Start context.
		c.cancel()
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, chatJID string, on bool) error {
	if !on {
		return nil
	}
	chatID, err := parseChatID(c.Unprefixed(chatJID))
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// SendMessage chunks content to Telegram's 4096-character limit.
func (c *Channel) SendMessage(ctx context.Context, chatJID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram channel not running")
	}
	chatID, err := parseChatID(c.Unprefixed(chatJID))
	if err != nil {
		return err
	}

	for _, chunk := range channels.ChunkByWidth(content, telegramMaxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx *th.Context, message telego.Message) error {
	if message.From == nil || message.From.IsBot {
		return nil
	}
	content := message.Text
	if content == "" {
		return nil
	}

	slog.Debug("telegram message received",
		"component", "channel.telegram",
		"chat_id", message.Chat.ID,
		"preview", channels.Truncate(content, 50),
	)

	senderName := message.From.FirstName
	if message.From.Username != "" {
		senderName = message.From.Username
	}

	chatJID := c.Prefixed(fmt.Sprintf("%d", message.Chat.ID))
	c.Deliver(channels.InboundMessage{
		MessageID:  fmt.Sprintf("%s:%d", chatJID, message.MessageID),
		ChatJID:    chatJID,
		ChatName:   message.Chat.Title,
		SenderID:   fmt.Sprintf("%d", message.From.ID),
		SenderName: senderName,
		Content:    content,
		Timestamp:  int64(message.Date) * 1000,
		IsGroup:    message.Chat.Type != telego.ChatTypePrivate,
	})
	return nil
}

func parseChatID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

// Package whatsapp implements the channels.Channel contract over
// go.mau.fi/whatsmeow, including QR-code device pairing.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/clawbridge/clawbridge/internal/channels"
)

// Config holds everything needed to connect a WhatsApp device.
type Config struct {
	// SessionDBPath is the sqlite file whatsmeow persists its device/session
	// state to (separate from the bridge's own message store).
	SessionDBPath string
	// QRCodePath, if set, is where the pairing QR code PNG is written; when
	// empty it is written to whatsapp-pairing-qr.png in the working directory.
	QRCodePath string
}

// Channel wraps a whatsmeow.Client as a channels.Channel.
type Channel struct {
	*channels.BaseChannel
	client *whatsmeow.Client
	cfg    Config
}

// New opens (or creates) the whatsmeow device store and constructs the
// channel. It does not connect until Start is called.
func New(ctx context.Context, cfg Config) (*Channel, error) {
	logger := waLog.Stdout("whatsmeow", "WARN", true)

	container, err := sqlstore.New(ctx, "sqlite", "file:"+cfg.SessionDBPath+"?_pragma=foreign_keys(1)", logger)
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, logger)
	c := &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", "wa"),
		client:      client,
		cfg:         cfg,
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "component", "channel.whatsapp")

	if c.client.Store.ID == nil {
		// No paired device yet: connect and surface the pairing QR.
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connect whatsapp client: %w", err)
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				continue
			}
			if err := c.renderQR(evt.Code); err != nil {
				slog.Warn("failed to render whatsapp pairing QR", "component", "channel.whatsapp", "error", err)
			}
		}
	} else if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp client: %w", err)
	}

	c.SetRunning(true)
	slog.Info("whatsapp channel connected", "component", "channel.whatsapp")
	return nil
}

func (c *Channel) renderQR(code string) error {
	if c.cfg.QRCodePath != "" {
		return qrcode.WriteFile(code, qrcode.Medium, 256, c.cfg.QRCodePath)
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return err
	}
	return os.WriteFile("whatsapp-pairing-qr.png", png, 0o600)
}

func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping whatsapp channel", "component", "channel.whatsapp")
	c.SetRunning(false)
	c.client.Disconnect()
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, chatJID string, on bool) error {
	jid, err := types.ParseJID(c.Unprefixed(chatJID))
	if err != nil {
		return fmt.Errorf("parse whatsapp jid: %w", err)
	}
	presence := types.ChatPresencePaused
	if on {
		presence = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

func (c *Channel) SendMessage(ctx context.Context, chatJID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("whatsapp channel not running")
	}
	jid, err := types.ParseJID(c.Unprefixed(chatJID))
	if err != nil {
		return fmt.Errorf("parse whatsapp jid: %w", err)
	}

	// WhatsApp has no hard per-message character cap worth chunking against
	// in practice; send as a single conversation message.
	msg := &waProto.Message{Conversation: &content}
	_, err = c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (c *Channel) handleEvent(rawEvt interface{}) {
	evt, ok := rawEvt.(*events.Message)
	if !ok {
		return
	}
	if evt.Info.IsFromMe {
		return
	}

	content := evt.Message.GetConversation()
	if content == "" {
		if ext := evt.Message.GetExtendedTextMessage(); ext != nil {
			content = ext.GetText()
		}
	}
	if content == "" {
		return
	}

	chatJID := c.Prefixed(evt.Info.Chat.String())
	slog.Debug("whatsapp message received",
		"component", "channel.whatsapp",
		"chat_jid", chatJID,
		"preview", channels.Truncate(content, 50),
	)

	c.Deliver(channels.InboundMessage{
		MessageID:  fmt.Sprintf("%s:%s", chatJID, evt.Info.ID),
		ChatJID:    chatJID,
		SenderID:   evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Content:    content,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
		IsFromMe:   evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
	})
}

// Package telegram implements the channel adapter for Telegram bots using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/logger"
)

// Config configures the Telegram adapter.
type Config struct {
	BotToken string
}

// botAPI is the slice of tgbotapi.BotAPI the adapter uses, narrowed for tests.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Adapter struct {
	token  string
	logger *slog.Logger

	// newBot is swapped by tests to avoid the network round-trip in
	// tgbotapi.NewBotAPI.
	newBot func(token string) (botAPI, error)

	mu        sync.Mutex
	bot       botAPI
	cancel    context.CancelFunc
	connected bool
	handler   channel.Handler
}

var _ channel.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		token:  cfg.BotToken,
		logger: logger.L.With(slog.String("component", "adapter.telegram")),
		newBot: func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
	}
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformTelegram }
func (a *Adapter) Name() string               { return "Telegram" }

func (a *Adapter) OnMessage(handler channel.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect authenticates the bot and starts the long-poll receive loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	bot, err := a.newBot(a.token)
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bot = bot
	a.cancel = cancel
	a.connected = true
	go a.receiveLoop(loopCtx, updates)

	a.logger.Info("telegram polling started")
	return nil
}

// Disconnect stops polling and drains the update channel so the library's
// long-poll goroutine can exit; an in-flight getUpdates left behind conflicts
// with the next connection using the same token.
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.bot.StopReceivingUpdates()
	a.cancel()
	a.connected = false
	a.logger.Info("telegram polling stopped")
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			for range updates {
			}
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			a.handleUpdate(ctx, update.Message)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, m *tgbotapi.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	msg := channel.Message{
		Platform:   channel.PlatformTelegram,
		Type:       channel.MessagePrivate,
		ID:         strconv.Itoa(m.MessageID),
		Content:    text,
		ReceivedAt: time.Unix(int64(m.Date), 0),
	}
	if m.From != nil {
		msg.UserID = strconv.FormatInt(m.From.ID, 10)
		msg.UserName = strings.TrimSpace(m.From.UserName)
		if msg.UserName == "" {
			msg.UserName = strings.TrimSpace(m.From.FirstName)
		}
	}
	if m.Chat != nil && m.Chat.Type != "private" {
		msg.Type = channel.MessageGroup
		msg.GroupID = strconv.FormatInt(m.Chat.ID, 10)
	}

	a.logger.Info("inbound received",
		slog.String("chat_type", string(msg.Type)),
		slog.String("user_id", msg.UserID),
		slog.Int("text_len", len(text)))

	// The handler blocks on the backend; keep the receive loop free.
	go handler(ctx, msg)
}

// Send delivers a reply. targetID is the chat id; Telegram uses the same send
// call for private and group chats.
func (a *Adapter) Send(ctx context.Context, targetID string, reply channel.Reply, isGroup bool) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram adapter not connected")
	}

	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q: %w", targetID, err)
	}

	message := tgbotapi.NewMessage(chatID, reply.Content)
	if isGroup && reply.ReplyTo != "" {
		if replyTo, err := strconv.Atoi(reply.ReplyTo); err == nil {
			message.ReplyToMessageID = replyTo
		}
	}
	if _, err := bot.Send(message); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

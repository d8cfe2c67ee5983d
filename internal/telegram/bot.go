package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"unicode/utf16"

	"github.com/RichardoC/chat-relay/internal/relay"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// MaxMessageLength is Telegram's limit for one text message, in UTF-16
// code units.
const MaxMessageLength = 4096

// Bot adapts the Telegram Bot API to the relay: it long polls for updates
// and delivers replies and typing indicators.
type Bot struct {
	api         *tgbotapi.BotAPI
	logger      *zap.Logger
	pollTimeout int
}

// New connects with the given token and verifies it with getMe.
func New(token string, pollTimeout int, logger *zap.Logger) (*Bot, error) {
	return NewWithClient(token, tgbotapi.APIEndpoint, http.DefaultClient, pollTimeout, logger)
}

// NewWithClient is New against a custom endpoint format
// (e.g. "https://api.telegram.org/bot%s/%s") and HTTP client.
func NewWithClient(token, endpoint string, client *http.Client, pollTimeout int, logger *zap.Logger) (*Bot, error) {
	if err := tgbotapi.SetLogger(zap.NewStdLog(logger)); err != nil {
		return nil, fmt.Errorf("failed to set telegram logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	logger.Info("Authorized on telegram", zap.String("username", api.Self.UserName))
	return &Bot{api: api, logger: logger, pollTimeout: pollTimeout}, nil
}

// Run polls for updates until ctx is cancelled. Each text update is handed
// to dispatch on its own goroutine; Run returns once in-flight dispatches
// have finished.
func (b *Bot) Run(ctx context.Context, dispatch func(context.Context, relay.Inbound)) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(cfg)

	// In-flight turns finish even after shutdown starts.
	turnCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := toInbound(update)
			if !ok {
				b.logger.Debug("Ignoring update", zap.Int("update_id", update.UpdateID))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				dispatch(turnCtx, in)
			}()
		}
	}
}

// SendMessage delivers text, split into consecutive messages when it is
// longer than Telegram allows.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitText(text, MaxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram sendMessage failed: %w", err)
		}
	}
	return nil
}

// SendTyping shows the "typing" chat action.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram sendChatAction failed: %w", err)
	}
	return nil
}

func toInbound(update tgbotapi.Update) (relay.Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return relay.Inbound{}, false
	}
	return relay.Inbound{
		ConversationID: msg.Chat.ID,
		Text:           msg.Text,
		Command:        msg.Command(),
	}, true
}

// splitText cuts s into chunks of at most maxUnits UTF-16 code units
// without splitting a rune.
func splitText(s string, maxUnits int) []string {
	var chunks []string
	start, units := 0, 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > maxUnits && i > start {
			chunks = append(chunks, s[start:i])
			start, units = i, 0
		}
		units += n
	}
	return append(chunks, s[start:])
}

var _ relay.Messenger = (*Bot)(nil)

package alerts

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramAlerter delivers alerts to one or more Telegram chats
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	logger  zerolog.Logger
}

// NewTelegramAlerter creates a Telegram alerter
func NewTelegramAlerter(botToken string, chatIDs []int64, logger zerolog.Logger) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot API: %w", err)
	}

	logger.Info().
		Str("bot_username", api.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatIDs: chatIDs, logger: logger}, nil
}

// Send delivers the alert to every configured chat. Delivery to at least
// one chat counts as success.
func (t *TelegramAlerter) Send(_ context.Context, alert Alert) error {
	if len(t.chatIDs) == 0 {
		t.logger.Warn().Msg("No Telegram chat IDs configured, skipping alert")
		return nil
	}

	message := formatTelegram(alert)
	var lastErr error
	delivered := 0

	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = "Markdown"
		if _, err := t.api.Send(msg); err != nil {
			t.logger.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("alert_title", alert.Title).
				Msg("Failed to send Telegram alert")
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("failed to deliver alert to any chat: %w", lastErr)
	}
	return nil
}

func formatTelegram(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s] %s*\n", alert.Severity, alert.Title)
	if alert.Message != "" {
		fmt.Fprintf(&b, "%s\n", alert.Message)
	}
	for key, value := range alert.Metadata {
		fmt.Fprintf(&b, "`%s`: %v\n", key, value)
	}
	return b.String()
}

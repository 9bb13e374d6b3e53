package alert

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"fundarb/pkg/utils"
)

// TelegramSink шлёт алерты в Telegram-чат оператора.
// INFO-алерты отправляются без звука.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramSink создаёт сток; ошибка если токен невалиден
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramSink{
		bot:    bot,
		chatID: chatID,
		log:    utils.ComponentLogger("alert_telegram"),
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func severityEmoji(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "🚨"
	case SeverityHigh:
		return "❗"
	case SeverityMedium:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", severityEmoji(a.Severity), strings.ReplaceAll(a.Type, "_", " "))
	if a.Token != "" {
		fmt.Fprintf(&b, "Token: `%s`\n", a.Token)
	}
	if a.Venue != "" {
		fmt.Fprintf(&b, "Venue: `%s`\n", a.Venue)
	}
	b.WriteString(a.Message)
	for k, v := range a.Fields {
		fmt.Fprintf(&b, "\n%s: `%v`", k, v)
	}

	msg := tgbotapi.NewMessage(s.chatID, b.String())
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableNotification = a.Severity == SeverityInfo

	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package notify reports finished backup attempts to chat channels.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot         sender
	chatID      int64
	failureOnly bool
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", cfg.ChatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{bot: bot, chatID: chatID, failureOnly: cfg.FailureOnly}, nil
}

func (t *Telegram) Notify(ctx context.Context, engine domain.EngineKind, databaseName string, result *domain.BackupResult) error {
	if result == nil || (t.failureOnly && result.Succeeded()) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatResult(engine, databaseName, result))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

// FormatResult renders one attempt as a chat message.
func FormatResult(engine domain.EngineKind, databaseName string, result *domain.BackupResult) string {
	var b strings.Builder
	if result.Succeeded() {
		b.WriteString("✅ Backup Created\n\n")
	} else {
		b.WriteString("❌ Backup Failed\n\n")
	}

	fmt.Fprintf(&b, "🗄 Database: %s (%s)\n", databaseName, engine)
	kind := string(result.Kind)
	if result.RequestedKind != "" && result.RequestedKind != result.Kind {
		kind = fmt.Sprintf("%s (requested %s)", result.Kind, result.RequestedKind)
	}
	fmt.Fprintf(&b, "🔁 Kind: %s\n", kind)
	fmt.Fprintf(&b, "🆔 ID: %s\n", result.BackupID)

	if result.Succeeded() {
		fmt.Fprintf(&b, "📁 File: %s\n", result.BackupFilePath)
		fmt.Fprintf(&b, "📊 Size: %.2f MB\n", float64(result.SizeInBytes)/(1024*1024))
	} else {
		fmt.Fprintf(&b, "⚠️ Error: %s\n", result.ErrorMessage)
	}

	fmt.Fprintf(&b, "⏱ Duration: %s\n", result.EndTime.Sub(result.StartTime).Round(time.Second))
	fmt.Fprintf(&b, "🕐 Time: %s", result.EndTime.Format("2006-01-02 15:04:05"))
	return b.String()
}

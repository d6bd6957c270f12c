package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
)

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func result(status domain.BackupStatus) *domain.BackupResult {
	start := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	return &domain.BackupResult{
		BackupID:       "BACKUP-FULL-ORDERS-1",
		Kind:           domain.BackupKindFull,
		RequestedKind:  domain.BackupKindIncremental,
		StartTime:      start,
		EndTime:        start.Add(90 * time.Second),
		SizeInBytes:    3 * 1024 * 1024,
		BackupFilePath: "/backups/orders_mysql_full_20261019_020000.sql.gz",
		Status:         status,
		ErrorMessage:   "mysqldump exited with code 2: access denied",
	}
}

func TestFormatResult(t *testing.T) {
	ok := FormatResult(domain.EngineMySQL, "orders", result(domain.BackupStatusSuccess))
	assert.Contains(t, ok, "Backup Created")
	assert.Contains(t, ok, "FULL (requested INCREMENTAL)")
	assert.Contains(t, ok, "3.00 MB")
	assert.Contains(t, ok, "Duration: 1m30s")
	assert.NotContains(t, ok, "access denied")

	failed := FormatResult(domain.EngineMySQL, "orders", result(domain.BackupStatusFailed))
	assert.Contains(t, failed, "Backup Failed")
	assert.Contains(t, failed, "access denied")
	assert.NotContains(t, failed, "orders_mysql_full")
}

func TestTelegramNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("failure only skips successes", func(t *testing.T) {
		bot := &fakeBot{}
		n := &Telegram{bot: bot, chatID: 42, failureOnly: true}

		require.NoError(t, n.Notify(ctx, domain.EngineMySQL, "orders", result(domain.BackupStatusSuccess)))
		require.NoError(t, n.Notify(ctx, domain.EngineMySQL, "orders", result(domain.BackupStatusFailed)))
		require.Len(t, bot.sent, 1)

		msg, isMsg := bot.sent[0].(tgbotapi.MessageConfig)
		require.True(t, isMsg)
		assert.Equal(t, int64(42), msg.ChatID)
	})

	t.Run("send errors are wrapped", func(t *testing.T) {
		n := &Telegram{bot: &fakeBot{err: errors.New("429")}, chatID: 42}
		err := n.Notify(ctx, domain.EngineMySQL, "orders", result(domain.BackupStatusSuccess))
		assert.ErrorContains(t, err, "failed to send telegram notification")
	})

	t.Run("bad chat id", func(t *testing.T) {
		_, err := NewTelegram(config.TelegramConfig{BotToken: "x", ChatID: "@channel"})
		assert.ErrorContains(t, err, "invalid telegram chat id")
	})
}

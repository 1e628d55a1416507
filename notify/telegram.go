// Package notify sends risk and lifecycle alerts over Telegram.
// A nil *Telegram is a valid no-op notifier so callers never need to
// branch on whether alerting is configured.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"martingrid/logger"
)

// Telegram pushes messages to one chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot. Empty token disables alerting and
// returns nil.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		logger.Info("📴 Telegram alerting disabled")
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	logger.Infof("📨 Telegram alerting enabled as @%s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Send delivers one message. Delivery failure is logged, never fatal.
func (t *Telegram) Send(text string) {
	if t == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		logger.Warnf("📨 Telegram send failed: %v", err)
	}
}

// Sendf formats and delivers one message.
func (t *Telegram) Sendf(format string, args ...interface{}) {
	t.Send(fmt.Sprintf(format, args...))
}

// RiskAlert formats a per-grid risk warning.
func (t *Telegram) RiskAlert(symbol string, warnings []string, shouldClose bool) {
	if t == nil || len(warnings) == 0 {
		return
	}
	text := fmt.Sprintf("⚠️ Risk alert: %s", symbol)
	for _, w := range warnings {
		text += "\n• " + w
	}
	if shouldClose {
		text += "\n🚨 Closing grid"
	}
	t.Send(text)
}

// EmergencyAlert reports an emergency close attempt and its outcome.
func (t *Telegram) EmergencyAlert(symbol string, qty float64, success bool, errMsg string) {
	if t == nil {
		return
	}
	if success {
		t.Sendf("🚨 Emergency close %s qty=%.6f: done", symbol, qty)
	} else {
		t.Sendf("🚨 Emergency close %s qty=%.6f FAILED: %s\nPosition may remain open", symbol, qty, errMsg)
	}
}

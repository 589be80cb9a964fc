package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	telegramAPI = "https://api.telegram.org"
	// telegramMaxText is the Bot API limit on message text.
	telegramMaxText = 4096
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: senderTimeout},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts ev to the configured chat with the kind in bold. Title and
// message are HTML-escaped; strategy and market ids routinely contain
// characters Markdown would misparse.
func (t *TelegramSender) Send(ctx context.Context, ev domain.Notification) error {
	text := fmt.Sprintf("%s <b>%s</b>\n%s\n%s",
		kindEmoji(ev.Kind),
		strings.ToUpper(string(ev.Kind)),
		html.EscapeString(ev.Title),
		html.EscapeString(ev.Message),
	)
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  truncate(text, telegramMaxText),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	return postJSON(ctx, t.client, t.Name(), t.baseURL+"/bot"+t.token+"/sendMessage", msg)
}

func (t *TelegramSender) Name() string { return "telegram" }

func kindEmoji(k domain.NotificationKind) string {
	switch k {
	case domain.NotifyTradeExecuted, domain.NotifyPositionClosed:
		return "💰"
	case domain.NotifyArbitrageFound:
		return "🔎"
	case domain.NotifyDailyLossBreach, domain.NotifyOrderRejected:
		return "⚠️"
	case domain.NotifyInvariant, domain.NotifyError:
		return "❌"
	case domain.NotifyDailySummary:
		return "📊"
	default:
		return "📢"
	}
}

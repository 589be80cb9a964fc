package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Discord embed limits.
const (
	discordMaxTitle       = 256
	discordMaxDescription = 4096
)

// DiscordSender delivers notifications to a Discord webhook as one embed
// colored by kind.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: senderTimeout},
	}
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Timestamp   string        `json:"timestamp"`
	Footer      discordFooter `json:"footer"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts ev to the webhook. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, ev domain.Notification) error {
	payload := discordPayload{
		Username: "polyarb",
		Embeds: []discordEmbed{{
			Title:       truncate(fmt.Sprintf("%s: %s", strings.ToUpper(string(ev.Kind)), ev.Title), discordMaxTitle),
			Description: truncate(ev.Message, discordMaxDescription),
			Color:       kindColor(ev.Kind),
			Timestamp:   ev.At.UTC().Format(time.RFC3339),
			Footer:      discordFooter{Text: string(ev.Kind)},
		}},
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, payload)
}

func (d *DiscordSender) Name() string { return "discord" }

func kindColor(k domain.NotificationKind) int {
	switch k {
	case domain.NotifyTradeExecuted, domain.NotifyPositionClosed:
		return 0x2ecc71
	case domain.NotifyDailyLossBreach, domain.NotifyOrderRejected:
		return 0xf39c12
	case domain.NotifyInvariant, domain.NotifyError:
		return 0xe74c3c
	default:
		return 0x3498db
	}
}

package notify

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// LogSender writes notifications to the structured log. It is always
// registered so notifications are visible without any external channel.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify_log"))}
}

func (l *LogSender) Send(ctx context.Context, ev domain.Notification) error {
	level := slog.LevelInfo
	switch ev.Kind {
	case domain.NotifyInvariant, domain.NotifyError:
		level = slog.LevelError
	case domain.NotifyDailyLossBreach, domain.NotifyOrderRejected:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, ev.Title,
		slog.String("kind", string(ev.Kind)),
		slog.String("message", ev.Message),
	)
	return nil
}

func (l *LogSender) Name() string { return "log" }

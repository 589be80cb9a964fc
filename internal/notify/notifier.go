// Package notify delivers operator notifications to Telegram, Discord and the
// log. Delivery is asynchronous and best-effort: Deliver never blocks the
// caller, and a failing channel never affects trading.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// ErrQueueFull is returned by Deliver when the queue has no room left.
var ErrQueueFull = errors.New("notify: queue full")

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, ev domain.Notification) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Config controls queueing, filtering and retries.
type Config struct {
	QueueSize int
	// Events lists the kinds that are forwarded. Empty forwards everything.
	Events []string
	// MinInterval suppresses a repeat of the same kind and title inside the
	// window. Zero disables throttling.
	MinInterval time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		MinInterval: time.Second,
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,
		SendTimeout: 10 * time.Second,
	}
}

// Notifier queues notifications and dispatches them to every Sender from a
// single worker started by Run.
type Notifier struct {
	cfg     Config
	senders []Sender
	events  map[domain.NotificationKind]bool
	queue   chan domain.Notification
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time

	dropped atomic.Int64
	sent    atomic.Int64
}

// NewNotifier creates a Notifier delivering to the given senders.
func NewNotifier(cfg Config, senders []Sender, logger *slog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	allowed := make(map[domain.NotificationKind]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.NotificationKind(e)] = true
		}
	}
	return &Notifier{
		cfg:      cfg,
		senders:  senders,
		events:   allowed,
		queue:    make(chan domain.Notification, cfg.QueueSize),
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// SetClock overrides the clock used for throttling.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// Deliver enqueues ev. Filtered and throttled events are dropped silently;
// a full queue returns ErrQueueFull.
func (n *Notifier) Deliver(_ context.Context, ev domain.Notification) error {
	if len(n.events) > 0 && !n.events[ev.Kind] {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	if n.throttled(ev) {
		return nil
	}
	select {
	case n.queue <- ev:
		return nil
	default:
		n.dropped.Add(1)
		return fmt.Errorf("%w: dropped %s", ErrQueueFull, ev.Kind)
	}
}

func (n *Notifier) throttled(ev domain.Notification) bool {
	if n.cfg.MinInterval <= 0 {
		return false
	}
	key := string(ev.Kind) + ":" + ev.Title
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.MinInterval {
		return true
	}
	n.lastSent[key] = now
	return false
}

// Run dispatches queued notifications until ctx is done, then drains what is
// still queued within one SendTimeout.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case ev := <-n.queue:
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.dispatch(ctx, ev)
		default:
			return
		}
	}
}

// dispatch sends ev to every sender. A sender failure, after retries, is
// logged and does not stop delivery to the others. Permanent rejections are
// not retried.
func (n *Notifier) dispatch(ctx context.Context, ev domain.Notification) {
	for _, s := range n.senders {
		err := failsafe.With[any](n.retryPolicy()).
			WithContext(ctx).
			Run(func() error {
				sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
				defer cancel()
				return s.Send(sctx, ev)
			})
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.sent.Add(1)
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", ev.Title),
		)
	}
}

func (n *Notifier) retryPolicy() retrypolicy.RetryPolicy[any] {
	b := retrypolicy.NewBuilder[any]().
		WithMaxAttempts(n.cfg.MaxAttempts).
		AbortIf(func(_ any, err error) bool { return permanent(err) }).
		ReturnLastFailure()
	if n.cfg.RetryDelay > 0 {
		b = b.WithDelay(n.cfg.RetryDelay)
	}
	return b.Build()
}

// Dropped reports how many notifications were lost to a full queue.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Sent reports successful sender deliveries.
func (n *Notifier) Sent() int64 { return n.sent.Load() }

var _ domain.NotificationSink = (*Notifier)(nil)

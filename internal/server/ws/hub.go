// Package ws streams engine events to dashboard clients over websocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Event channels. The same names are used on the redis signal bus, which
// places them under its namespace.
const (
	ChannelImpulses      = "impulses"
	ChannelCycles        = "cycles"
	ChannelNotifications = "notifications"
)

// Control envelopes the hub sends on its own behalf.
const (
	controlHello         = "hello"
	controlSubscriptions = "subscriptions"
	controlError         = "error"
)

// Channels lists every channel the hub bridges.
var Channels = []string{ChannelImpulses, ChannelCycles, ChannelNotifications}

func knownChannel(name string) bool { return slices.Contains(Channels, name) }

// eventBacklog bounds events queued ahead of the fan-out loop.
const eventBacklog = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware in front of the hub.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope wraps every frame sent to a client.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func frame(channel string, data []byte) ([]byte, error) {
	return json.Marshal(envelope{Channel: channel, Data: data})
}

type event struct {
	channel string
	data    []byte
}

// Hub fans engine events out to connected clients. Events come from the
// signal bus, when one is set, and from Broadcast. A client whose send
// buffer is full is disconnected rather than left with gaps in its stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	events chan event
	join   chan *client
	leave  chan *client
	done   chan struct{}

	bus     domain.SignalBus
	logger  *slog.Logger
	started time.Time
	mode    string
}

// NewHub creates a hub for an engine running in mode. bus may be nil.
func NewHub(bus domain.SignalBus, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		events:  make(chan event, eventBacklog),
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		started: time.Now().UTC(),
		mode:    mode,
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range Channels {
			go h.bridge(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.String("remote", c.remote), slog.Int("clients", n))

		case c := <-h.leave:
			h.mu.Lock()
			h.dropLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.String("remote", c.remote), slog.Int("clients", n))

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// dropLocked removes c and closes its send queue, which makes its write
// pump say goodbye. Callers hold h.mu.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) fanOut(ev event) {
	data, err := frame(ev.channel, ev.data)
	if err != nil {
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.isSubscribed(ev.channel) {
			continue
		}
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.dropLocked(c)
		h.logger.Warn("disconnecting slow client",
			slog.String("remote", c.remote),
			slog.String("channel", ev.channel),
		)
	}
	h.mu.Unlock()
}

// Broadcast queues a JSON payload for every client subscribed to channel.
// Invalid JSON is ignored. It never blocks; the event is dropped when the
// hub is behind.
func (h *Hub) Broadcast(channel string, payload []byte) {
	if !json.Valid(payload) {
		return
	}
	select {
	case h.events <- event{channel: channel, data: payload}:
	default:
		h.logger.Warn("hub backlog full, dropping event", slog.String("channel", channel))
	}
}

// Send forwards a notification to subscribers of the notifications channel,
// which makes the hub usable as a notification sender.
func (h *Hub) Send(_ context.Context, ev domain.Notification) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Broadcast(ChannelNotifications, data)
	return nil
}

// Name identifies the hub as a notification sender.
func (h *Hub) Name() string { return "ws" }

// bridge relays one bus channel into the hub until ctx ends or the
// subscription closes.
func (h *Hub) bridge(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", channel))
				return
			}
			h.Broadcast(channel, data)
		}
	}
}

// HandleWS upgrades the request and registers a client subscribed to every
// channel. The first frame is a hello carrying the engine mode and uptime.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	// Queued before joining; once joined the hub may close send.
	c.enqueue(h.hello())
	select {
	case h.join <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) hello() []byte {
	body, _ := json.Marshal(map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"channels":       Channels,
	})
	data, _ := frame(controlHello, body)
	return data
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

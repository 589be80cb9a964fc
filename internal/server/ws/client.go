package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = pongWait * 9 / 10

	// Clients only send small subscription requests.
	maxMessageSize = 4096
	sendBufferSize = 256
)

// subscribeMsg is what a client sends to change its channels. The hub
// answers with a subscriptions frame listing the channels now active, or an
// error frame naming unknown ones.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	c := &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}
	return c
}

// enqueue reports false when the send buffer is full. Callers hold h.mu, or
// own c before it joins, so send cannot be closed underneath them.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// apply changes the subscription set and returns the reply frame.
func (c *client) apply(msg subscribeMsg) []byte {
	var unknown []string
	for _, ch := range msg.Channels {
		if !knownChannel(ch) {
			unknown = append(unknown, ch)
		}
	}
	action := strings.ToLower(msg.Action)
	if action != "subscribe" && action != "unsubscribe" {
		return errorFrame(fmt.Sprintf("unknown action %q", msg.Action))
	}
	if len(unknown) > 0 {
		return errorFrame("unknown channels: " + strings.Join(unknown, ", "))
	}

	c.mu.Lock()
	for _, ch := range msg.Channels {
		if action == "subscribe" {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
	active := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		active = append(active, ch)
	}
	c.mu.Unlock()

	slices.Sort(active)
	body, _ := json.Marshal(active)
	data, _ := frame(controlSubscriptions, body)
	return data
}

func errorFrame(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg})
	data, _ := frame(controlError, body)
	return data
}

// readPump handles subscription requests and keeps the read deadline fresh
// from pongs. It leaves the hub when the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("remote", c.remote), slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(errorFrame("malformed request"))
			continue
		}
		c.reply(c.apply(msg))
	}
}

// reply queues a control frame. The hub may have dropped this client
// already, in which case send is closed and the frame is discarded.
func (c *client) reply(data []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; ok {
		c.enqueue(data)
	}
}

// writePump writes queued frames and pings until send is closed or a write
// fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing connection"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

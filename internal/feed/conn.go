// Package feed connects the engine to its market data: exchange price ticks
// for the impulse detector and venue order-book streams for the aggregator.
// Both feeds reconnect with exponential backoff and never stop on their own.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Backoff is an exponential reconnect delay that resets after a connection
// that delivered data.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	cur  time.Duration
}

// DefaultBackoff starts at one second and caps at a minute.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute}
}

// Next returns the delay to wait and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Base
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return d
}

// Reset returns the delay to Base.
func (b *Backoff) Reset() { b.cur = 0 }

// session is one websocket connection. onOpen runs once after the dial, then
// every text message goes to handle until the connection fails or ctx ends.
// It reports whether any message arrived.
func session(ctx context.Context, url string, onOpen func(*websocket.Conn) error, handle func([]byte)) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if onOpen != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := onOpen(conn); err != nil {
			return false, err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	received := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		received = true
		handle(msg)
	}
}

// reconnect runs sessions until ctx ends, sleeping per backoff between them.
func reconnect(ctx context.Context, logger *slog.Logger, backoff Backoff, run func(context.Context) (bool, error)) error {
	for {
		received, err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff.Reset()
		}
		delay := backoff.Next()
		msg := "feed disconnected, reconnecting"
		if err != nil && !errors.Is(err, domain.ErrWSDisconnect) {
			msg = "feed connect failed, retrying"
		}
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		logger.Warn(msg, slog.Duration("delay", delay), slog.String("error", errStr))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

package ari

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// reconnectSchedule is the fixed backoff for the event socket. After the
// schedule is exhausted the loop pauses cyclePause and starts over.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const cyclePause = 60 * time.Second

// eventSocketURL derives the subscription URL from the REST base
func (c *Client) eventSocketURL() string {
	base := c.cfg.HTTPURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	params := url.Values{}
	params.Set("app", c.cfg.App)
	params.Set("api_key", fmt.Sprintf("%s:%s", c.cfg.Username, c.cfg.Password))

	return base + "/events?" + params.Encode()
}

// socketLoop keeps the event subscription alive until shutdown
func (c *Client) socketLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		conn, err := c.dialSocket()
		if err == nil {
			attempt = 0
			c.wsConnected.Store(true)
			logger.Info("ARI event socket connected")

			c.readLoop(conn)

			c.wsConnected.Store(false)

			select {
			case <-c.shutdown:
				return
			default:
				logger.Warn("ARI event socket disconnected")
			}
			continue
		}

		logger.WithField("attempt", attempt+1).WithField("error", err.Error()).Warn("ARI event socket dial failed")

		var wait time.Duration
		if attempt < len(reconnectSchedule) {
			wait = reconnectSchedule[attempt]
			attempt++
		} else {
			wait = cyclePause
			attempt = 0
		}

		select {
		case <-c.shutdown:
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) dialSocket() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}

	conn, resp, err := dialer.Dial(c.eventSocketURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes messages until the connection drops or shutdown. A
// handler panic is logged and the next message is processed; the listener
// never dies on handler errors.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	// Unblock the blocking read on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.shutdown:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		event, err := parseEvent(message)
		if err != nil {
			logger.WithField("message", string(message)).Warn("Failed to decode event socket message")
			continue
		}

		c.dispatch(event)
	}
}

func (c *Client) dispatch(event *Event) {
	c.mu.RLock()
	typed := append([]EventHandler(nil), c.handlers[event.Type]...)
	wildcard := append([]EventHandler(nil), c.handlers["*"]...)
	c.mu.RUnlock()

	ctx := context.Background()
	for _, handler := range typed {
		c.safeHandle(ctx, handler, event)
	}
	for _, handler := range wildcard {
		c.safeHandle(ctx, handler, event)
	}
}

func (c *Client) safeHandle(ctx context.Context, handler EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("event_type", event.Type).
				WithField("panic", fmt.Sprintf("%v", r)).
				Error("Event handler panicked")
		}
	}()
	handler.HandleEvent(ctx, event)
}

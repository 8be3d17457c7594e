package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// Config holds PBX controller endpoint and credentials
type Config struct {
	HTTPURL        string
	Username       string
	Password       string
	App            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolTimeout    time.Duration
	MaxKeepalive   int
	MaxConnections int
}

// Client is the process-wide PBX connector: an authenticated REST client
// plus one persistent event socket with automatic reconnection.
type Client struct {
	cfg        Config
	httpClient *http.Client

	connectedOK atomic.Bool
	wsConnected atomic.Bool

	mu       sync.RWMutex
	handlers map[string][]EventHandler

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// OriginateRequest describes one outbound origination
type OriginateRequest struct {
	PhoneNumber string
	Context     string
	Extension   string
	Priority    int
	TimeoutMS   int
	CallerID    string
	Variables   map[string]string
}

// OriginateResult is the structured outcome of an originate attempt. The
// ChannelID is always the client-generated UUID so retries stay idempotent.
type OriginateResult struct {
	OK        bool
	ChannelID string
	Error     string
}

// NewClient builds the connector without touching the network
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 5 * time.Second
	}
	if cfg.MaxKeepalive == 0 {
		cfg.MaxKeepalive = 20
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 50
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxKeepalive,
		MaxIdleConnsPerHost:   cfg.MaxKeepalive,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout + cfg.WriteTimeout,
		},
		handlers: make(map[string][]EventHandler),
		shutdown: make(chan struct{}),
	}
}

// Connect probes the REST side and starts the event socket. A failed probe
// is not fatal; the connector stays up and reports connected=false.
func (c *Client) Connect(ctx context.Context) bool {
	ok := c.probe(ctx)
	c.connectedOK.Store(ok)

	logger.WithField("ok", ok).Info("ARI connectivity check")

	c.wg.Add(1)
	go c.socketLoop()

	return ok
}

func (c *Client) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HTTPURL+"/applications", nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WithField("error", err.Error()).Error("ARI probe failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// IsConnected reports the REST-side credential probe result
func (c *Client) IsConnected() bool {
	return c.connectedOK.Load()
}

// IsEventStreamConnected reports the live state of the event socket
func (c *Client) IsEventStreamConnected() bool {
	return c.wsConnected.Load()
}

// RegisterHandler subscribes a handler for an event type; "*" receives
// every event
func (c *Client) RegisterHandler(eventType string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	logger.WithField("event_type", eventType).Info("Registered ARI event handler")
}

// Close stops the event socket and releases the REST pool. Blocks until the
// listener has exited or the grace period elapses.
func (c *Client) Close() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("ARI connector closed")
	case <-time.After(10 * time.Second):
		logger.Warn("ARI connector close timeout")
	}

	c.httpClient.CloseIdleConnections()
	c.connectedOK.Store(false)
}

// retryDelay is the originate backoff: 0.3 * 2^n seconds
func retryDelay(attempt int) time.Duration {
	return time.Duration(float64(300*time.Millisecond) * float64(int(1)<<attempt))
}

// Originate creates an outbound channel. The channel id is generated
// client-side and posted to the PBX so a retried request lands on the same
// channel. Up to 3 attempts; only timeouts and 5xx are retried, any 4xx is
// a final failure.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) OriginateResult {
	channelID := uuid.NewString()

	params := url.Values{}
	params.Set("endpoint", fmt.Sprintf("Local/%s@%s", req.PhoneNumber, req.Context))
	params.Set("app", c.cfg.App)
	params.Set("callerId", req.CallerID)
	if req.TimeoutMS > 0 {
		params.Set("timeout", strconv.Itoa(req.TimeoutMS/1000))
	}
	params.Set("channelId", channelID)
	if len(req.Variables) > 0 {
		if encoded, err := json.Marshal(req.Variables); err == nil {
			params.Set("variables", string(encoded))
		}
	}

	endpoint := c.cfg.HTTPURL + "/channels?" + params.Encode()

	var lastErr string
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return OriginateResult{OK: false, ChannelID: channelID, Error: ctx.Err().Error()}
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		status, err := c.post(ctx, endpoint)
		if err != nil {
			// Connect/read failures are retryable
			lastErr = err.Error()
			continue
		}

		switch {
		case status >= 200 && status < 300:
			logger.WithField("channel_id", channelID).Info("ARI originate accepted")
			return OriginateResult{OK: true, ChannelID: channelID}
		case status >= 500:
			lastErr = fmt.Sprintf("ARI error %d", status)
			continue
		default:
			// 4xx is final
			logger.WithField("status", status).Error("ARI originate rejected")
			return OriginateResult{OK: false, ChannelID: channelID, Error: fmt.Sprintf("ARI error %d", status)}
		}
	}

	logger.WithField("error", lastErr).Error("ARI originate failed after retries")
	return OriginateResult{OK: false, ChannelID: channelID, Error: lastErr}
}

func (c *Client) post(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// Hangup deletes the channel resource; only a 2xx status is success, any
// other status (404 included) is returned as an error
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	endpoint := fmt.Sprintf("%s/channels/%s", c.cfg.HTTPURL, url.PathEscape(channelID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("hangup failed with status %d", resp.StatusCode)
}

/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package channel maintains the realtime socket connection to the current
// endpoint. Message payloads are opaque and handed to a Handler.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/requestclient"
	"go.uber.org/zap"
)

// State represents the connection state
type State int

const (
	// Disconnected state - no connection
	Disconnected State = iota
	// Connecting state - attempting to establish connection
	Connecting
	// Connected state - active connection
	Connected
	// Reconnecting state - attempting to reconnect after failure
	Reconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var allStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// ErrUnauthorized is returned when the server rejects the credential during the handshake
var ErrUnauthorized = errors.New("channel handshake rejected credential")

// Handler receives every text or binary message read from the socket
type Handler func(messageType int, payload []byte)

// Client keeps one socket open to whichever endpoint is current
type Client struct {
	cfg       config.ChannelConfig
	endpoints connectivity.EndpointSource
	creds     requestclient.CredentialSource
	handler   Handler
	logger    *zap.Logger

	mu            sync.RWMutex
	state         State
	conn          *websocket.Conn
	endpoint      string
	lastConnected time.Time
	lastHeartbeat atomic.Int64 // unix nanos of the last frame or ping

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a channel client. creds may be nil for anonymous channels.
func NewClient(cfg config.ChannelConfig, endpoints connectivity.EndpointSource, creds requestclient.CredentialSource,
	handler Handler, logger *zap.Logger) *Client {
	return &Client{
		cfg:       cfg,
		endpoints: endpoints,
		creds:     creds,
		handler:   handler,
		logger:    logger,
		state:     Disconnected,
	}
}

// Start launches the connection loop. A disabled channel does nothing.
func (c *Client) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Info("Realtime channel disabled, skipping connection")
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	metrics.SetState(metrics.ChannelConnectionState, allStates, Disconnected.String())

	c.wg.Add(1)
	go c.connectionLoop()
	return nil
}

// Stop closes the connection and waits for background goroutines
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping realtime channel")
		c.cancel()
		c.closeConn("client shutting down")
		c.wg.Wait()
		c.setState(Disconnected)
		c.logger.Info("Realtime channel stopped")
	})
}

// Notify receives endpoint changes and drops the current socket so the
// connection loop redials the new endpoint.
func (c *Client) Notify(change connectivity.EndpointChange) {
	c.mu.RLock()
	current := c.endpoint
	c.mu.RUnlock()
	if current == "" || current == change.Current.URL {
		return
	}
	c.logger.Info("Endpoint changed, redialing realtime channel",
		zap.String("from", current),
		zap.String("to", change.Current.URL))
	c.closeConn("endpoint changed")
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is currently connected
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Status is a read-only snapshot of the channel
type Status struct {
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	State         string    `json:"state" yaml:"state"`
	Endpoint      string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	LastConnected time.Time `json:"lastConnected,omitempty" yaml:"lastConnected,omitempty"`
}

// Status returns the current channel status
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Enabled:       c.cfg.Enabled,
		State:         c.state.String(),
		Endpoint:      c.endpoint,
		LastConnected: c.lastConnected,
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting)

	ep, err := c.endpoints.CurrentEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve endpoint: %w", err)
	}
	wsURL, err := socketURL(ep.URL, c.cfg.Path)
	if err != nil {
		return err
	}

	headers := http.Header{}
	sentCredential := false
	if c.creds != nil {
		if token, ok := c.creds.Credential(ctx); ok {
			headers.Set("Authorization", "Bearer "+token)
			sentCredential = true
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	c.logger.Info("Connecting realtime channel", zap.String("url", wsURL))
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			c.logger.Error("Realtime channel connection failed",
				zap.Error(err),
				zap.Int("status_code", resp.StatusCode))
			if resp.StatusCode == http.StatusUnauthorized {
				err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
				// redials must not keep presenting a rejected credential
				if sentCredential {
					c.logger.Warn("Credential rejected by realtime channel, invalidating session",
						zap.String("endpoint", ep.URL))
					c.creds.Invalidate(ctx, err)
				}
				return err
			}
		}
		return err
	}

	c.lastHeartbeat.Store(time.Now().UnixNano())
	conn.SetPingHandler(func(appData string) error {
		c.lastHeartbeat.Store(time.Now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.endpoint = ep.URL
	c.lastConnected = time.Now()
	c.mu.Unlock()

	c.setState(Connected)
	c.logger.Info("Realtime channel connected", zap.String("endpoint", ep.URL))
	return nil
}

// connectionLoop manages the connection lifecycle with reconnection
func (c *Client) connectionLoop() {
	defer c.wg.Done()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.ReconnectInitial,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         c.cfg.ReconnectMax,
	}
	b.Reset()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.connect(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			c.logger.Warn("Realtime channel connection failed, will retry",
				zap.Error(err),
				zap.Duration("retry_delay", delay))
			c.setState(Reconnecting)
			metrics.ChannelReconnectionsTotal.Inc()

			select {
			case <-time.After(delay):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		b.Reset()

		monitorDone := make(chan struct{})
		c.wg.Add(1)
		go c.heartbeatMonitor(monitorDone)
		c.readLoop()
		close(monitorDone)

		if c.ctx.Err() != nil {
			return
		}
		c.setState(Reconnecting)
		metrics.ChannelReconnectionsTotal.Inc()
	}
}

// readLoop reads until the connection fails and dispatches every message
func (c *Client) readLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Realtime channel connection lost", zap.Error(err))
			}
			c.dropConn(conn)
			return
		}
		c.lastHeartbeat.Store(time.Now().UnixNano())
		metrics.ChannelMessagesTotal.Inc()
		c.logger.Debug("Received channel message",
			zap.Int("message_type", messageType),
			zap.Int("message_length", len(payload)))
		if c.handler != nil {
			c.handler(messageType, payload)
		}
	}
}

// heartbeatMonitor closes a connection that has been silent for longer than
// the heartbeat timeout
func (c *Client) heartbeatMonitor(done <-chan struct{}) {
	defer c.wg.Done()

	if c.cfg.HeartbeatTimeout <= 0 {
		return
	}
	interval := c.cfg.HeartbeatTimeout / 7
	if interval <= 0 {
		interval = c.cfg.HeartbeatTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			silence := time.Since(time.Unix(0, c.lastHeartbeat.Load()))
			if silence > c.cfg.HeartbeatTimeout {
				c.logger.Warn("Heartbeat timeout detected",
					zap.Duration("time_since_last_heartbeat", silence))
				c.closeConn("heartbeat timeout")
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// closeConn sends a close frame and closes the socket, which unblocks readLoop
func (c *Client) closeConn(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
	c.endpoint = ""
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.Close()
	if c.conn == conn {
		c.conn = nil
		c.endpoint = ""
	}
}

// setState updates the connection state
func (c *Client) setState(newState State) {
	c.mu.Lock()
	oldState := c.state
	c.state = newState
	c.mu.Unlock()

	if oldState != newState {
		metrics.SetState(metrics.ChannelConnectionState, allStates, newState.String())
		c.logger.Info("Connection state changed",
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
	}
}

// socketURL maps an http(s) endpoint to the ws(s) URL of the channel path
func socketURL(endpoint, path string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = u.Path + path
	return u.String(), nil
}

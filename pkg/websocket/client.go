// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"option_trader/internal/core"
	"option_trader/pkg/retry"
	"option_trader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages. receivedAt is a
// monotonic timestamp taken before decoding.
type MessageHandler func(message []byte, receivedAt time.Time)

// Client is a resilient WebSocket client. Reconnects use full-jitter
// exponential backoff; liveness is checked with control-frame ping/pong
// once the link has been idle past the configured threshold.
type Client struct {
	url     string
	handler MessageHandler

	policy        retry.RetryPolicy
	idleThreshold time.Duration
	pongDeadline  time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected    func(isReconnect bool)
	onDisconnected func(err error)

	connected    int32
	connCount    int64
	lastActivity int64 // unix nanos of the last inbound frame

	// Logger
	logger core.ILogger

	// OTel
	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:     url,
		handler: handler,
		policy: retry.RetryPolicy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			FullJitter:     true,
		},
		idleThreshold: 30 * time.Second,
		pongDeadline:  10 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		logger:        logger,
	}
}

// SetBackoff overrides the reconnect backoff bounds.
func (c *Client) SetBackoff(initial, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.InitialBackoff = initial
	c.policy.MaxBackoff = max
}

// SetHeartbeat sets the idle threshold after which a ping is sent and the
// deadline for the matching pong.
func (c *Client) SetHeartbeat(idleThreshold, pongDeadline time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleThreshold = idleThreshold
	c.pongDeadline = pongDeadline
}

// SetOnConnected sets the callback invoked after each successful connect.
// isReconnect is false only for the first connection.
func (c *Client) SetOnConnected(cb func(isReconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnDisconnected sets the callback invoked when an established
// connection is lost (not on failed connect attempts).
func (c *Client) SetOnDisconnected(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = cb
}

// IsConnected reports whether the socket is currently established.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Send sends a message over the WebSocket.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
		}
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			attempt++
			delay := c.policy.Delay(attempt)
			if c.logger != nil {
				c.logger.Error("WebSocket connect failed",
					"url", c.url, "attempt", attempt, "retry_in", delay.String(), "error", err)
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		onConnected := c.onConnected
		c.mu.Unlock()

		isReconnect := atomic.AddInt64(&c.connCount, 1) > 1
		if onConnected != nil {
			onConnected(isReconnect)
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.heartbeat(heartbeatCtx)

		readErr := c.readLoop()
		heartbeatCancel()
		atomic.StoreInt32(&c.connected, 0)

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		onDisconnected := c.onDisconnected
		c.mu.Unlock()
		if onDisconnected != nil {
			onDisconnected(readErr)
		}

		attempt++
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.policy.Delay(attempt)):
		}
	}
}

// heartbeat pings the peer whenever the link has been idle past the
// threshold. A missed pong lets the read deadline expire, which surfaces
// in readLoop as heartbeat_failed.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	idle := c.idleThreshold
	pongDeadline := c.pongDeadline
	c.mu.Unlock()

	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinceLast := time.Since(time.Unix(0, atomic.LoadInt64(&c.lastActivity)))
			if sinceLast < idle {
				continue
			}

			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pongDeadline)); err != nil {
				c.closeConn()
				return
			}
			// The pong (or any frame) must arrive before this deadline.
			_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := time.Now()
	atomic.StoreInt64(&c.lastActivity, now.UnixNano())
	_ = conn.SetReadDeadline(now.Add(c.idleThreshold + c.pongDeadline))
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
		return conn.SetReadDeadline(time.Now().Add(c.idleThreshold + c.pongDeadline))
	})

	c.conn = conn
	atomic.StoreInt32(&c.connected, 1)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	atomic.StoreInt32(&c.connected, 0)
}

func (c *Client) readLoop() error {
	defer c.closeConn()

	idleWindow := c.idleThreshold + c.pongDeadline
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, message, err := conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				err = fmt.Errorf("heartbeat_failed: %w", err)
			}
			if c.logger != nil {
				c.logger.Warn("WebSocket read failed", "url", c.url, "error", err)
			}
			return err
		}

		atomic.StoreInt64(&c.lastActivity, receivedAt.UnixNano())
		_ = conn.SetReadDeadline(receivedAt.Add(idleWindow))
		c.msgCounter.Add(c.ctx, 1)

		if c.handler != nil {
			c.handler(message, receivedAt)
		}
	}
}

// Package websocket provides a reconnecting WebSocket reader used by streaming
// market data sources.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by Send while no connection is established
var ErrNotConnected = errors.New("websocket not connected")

// MessageHandler handles incoming WebSocket frames
type MessageHandler func(message []byte)

// Config controls dialing and keepalive
type Config struct {
	URL           string
	Header        http.Header
	ReconnectWait time.Duration
	PingInterval  time.Duration
	PingWait      time.Duration
	PongWait      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 5 * time.Second
	}
	if c.PingWait <= 0 {
		c.PingWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
}

// Client keeps one WebSocket connection open, reconnecting after failures
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  core.ILogger

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()
	connected   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client; Start begins the connect loop
func NewClient(cfg Config, handler MessageHandler, logger core.ILogger) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	return &Client{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.WithField("component", "ws_client"),
		ctx:         ctx,
		cancel:      cancel,
		tracer:      telemetry.GetTracer("ws-client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
		latencyHist: latencyHist,
	}
}

// SetOnConnected registers a callback run after every successful dial
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send writes a JSON frame on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and waits for the loops to exit
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client stop timed out waiting for goroutines")
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.connect(); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.cfg.URL, "error", err)
			if !c.wait(c.cfg.ReconnectWait) {
				return
			}
			continue
		}

		c.mu.Lock()
		onConnected := c.onConnected
		c.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		if c.cfg.PingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		if !c.wait(c.cfg.ReconnectWait) {
			return
		}
	}
}

// wait sleeps for d; false means the client is stopping
func (c *Client) wait(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.PingWait))
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.cfg.URL)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		span.RecordError(err)
		return err
	}

	pongWait := c.cfg.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) readLoop() {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("WebSocket read failed, reconnecting", "url", c.cfg.URL, "error", err)
			}
			return
		}

		// Any frame proves liveness, not only pongs.
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
		c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
	}
}

// Package websocket provides a reconnecting WebSocket reader with ping/pong heartbeats
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/telemetry"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by Send between connections
var ErrNotConnected = errors.New("websocket not connected")

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// Options tune the connection. Zero values take the defaults.
type Options struct {
	Header        http.Header
	ReconnectWait time.Duration
	PingInterval  time.Duration
	PingWait      time.Duration
	PongWait      time.Duration
	OnConnected   func()
}

// Client reads messages from one URL until its context ends, redialing after every drop
type Client struct {
	url     string
	handler MessageHandler
	opts    Options
	logger  core.ILogger

	mu   sync.Mutex
	conn *websocket.Conn

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

func NewClient(url string, handler MessageHandler, opts Options, logger core.ILogger) *Client {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 5 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingWait <= 0 {
		opts.PingWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:         url,
		handler:     handler,
		opts:        opts,
		logger:      logger.WithField("component", "ws_client"),
		tracer:      telemetry.GetTracer("ws-client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}
}

// Send writes a JSON message on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(message)
}

// Run dials, reads and redials until ctx is done. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
		} else {
			if c.opts.OnConnected != nil {
				c.opts.OnConnected()
			}
			c.session(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectWait):
		}
	}
}

// session reads until the connection drops, pinging in the background
func (c *Client) session(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if c.opts.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(hbCtx)
		}()
	}

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, c.closeConn)
	c.readLoop(ctx)
	stop()
	cancel()
	wg.Wait()
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
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
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.opts.PingWait))
			}
			c.mu.Unlock()
			if conn == nil || err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "WS Connect", trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		span.RecordError(err)
		return err
	}
	pongWait := c.opts.PongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("WebSocket connected", "url", c.url)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) {
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
			if ctx.Err() == nil {
				c.logger.Warn("WebSocket read failed, reconnecting", "error", err)
			}
			return
		}
		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}

// Package wshub is a module that mirrors broker traffic to websocket clients.
//
// Every message the module receives is sent to each connected client as a JSON Frame.
// Frames sent by clients are published into the broker on the module's behalf. The
// module is an http.Handler; the admin server mounts it under /modules/<name>/.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

// PropertyRemote is set on client frames to the peer address.
const PropertyRemote = "ws.remote"

// Frame is the JSON shape exchanged with clients. Content travels as base64 so
// arbitrary payload bytes survive the text frame.
type Frame struct {
	Properties map[string]string `json:"properties"`
	Content    []byte            `json:"content"`
}

// Config configures the websocket hub.
type Config struct {
	// SendBuffer is the frames queued per client before it is dropped as too slow.
	SendBuffer   int              `json:"send_buffer"`
	ReadLimit    config.SizeBytes `json:"read_limit"`
	PingInterval config.Duration  `json:"ping_interval"`
	PongWait     config.Duration  `json:"pong_wait"`
	WriteTimeout config.Duration  `json:"write_timeout"`
	// RateLimit caps frames per second published from all clients together. Zero is
	// unlimited.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
	// ReadOnly ignores frames from clients.
	ReadOnly bool `json:"read_only"`
}

// DefaultConfig pings every 30s and drops clients silent for 60s.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		ReadLimit:    64 << 10,
		PingInterval: config.Duration(30 * time.Second),
		PongWait:     config.Duration(60 * time.Second),
		WriteTimeout: config.Duration(5 * time.Second),
	}
}

// APIs registers the module under the "websocket" loader.
var APIs = module.Define("websocket", DefaultConfig, func(b module.Broker, cfg Config) (broker.Module, error) {
	return New(b, cfg)
})

// Module is the websocket hub.
type Module struct {
	module.Label

	b        module.Broker
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New validates cfg and creates a hub with no clients.
func New(b module.Broker, cfg Config) (*Module, error) {
	if b == nil {
		return nil, fmt.Errorf("websocket module needs a broker")
	}
	if cfg.SendBuffer <= 0 || cfg.ReadLimit <= 0 {
		return nil, fmt.Errorf("%w: websocket send_buffer and read_limit must be positive", module.ErrInvalidConfig)
	}
	if cfg.PingInterval <= 0 || cfg.PongWait <= cfg.PingInterval || cfg.WriteTimeout <= 0 {
		return nil, fmt.Errorf("%w: websocket needs 0 < ping_interval < pong_wait and a positive write_timeout", module.ErrInvalidConfig)
	}
	if cfg.RateLimit < 0 || cfg.Burst < 0 {
		return nil, fmt.Errorf("%w: websocket rate_limit and burst must not be negative", module.ErrInvalidConfig)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	return &Module{
		b:   b,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		logger:  slog.Default().With("module", "websocket"),
		clients: make(map[*client]struct{}),
	}, nil
}

func (m *Module) Name() string { return m.NameOr("websocket") }

// ServeHTTP upgrades the request and attaches the connection as a client.
func (m *Module) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		http.Error(w, "websocket hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{hub: m, conn: conn, send: make(chan []byte, m.cfg.SendBuffer), remote: r.RemoteAddr}
	if !m.attach(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		_ = conn.Close()
		return
	}
	m.logger.Info("websocket client connected", "remote", c.remote)

	go func() {
		defer m.wg.Done()
		c.writePump()
	}()
	go func() {
		defer m.wg.Done()
		c.readPump()
	}()
}

func (m *Module) attach(c *client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.clients[c] = struct{}{}
	m.wg.Add(2)
	return true
}

func (m *Module) detach(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(c)
}

func (m *Module) detachLocked(c *client) {
	if _, ok := m.clients[c]; !ok {
		return
	}
	delete(m.clients, c)
	c.close()
	m.logger.Info("websocket client disconnected", "remote", c.remote)
}

// Clients returns the number of connected clients.
func (m *Module) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Module) publish(c *client, f Frame) {
	if m.cfg.ReadOnly {
		return
	}
	if !m.limiter.Allow() {
		m.logger.Warn("websocket frame dropped by rate limit", "remote", c.remote)
		return
	}

	props := make(map[string]string, len(f.Properties)+1)
	for k, v := range f.Properties {
		props[k] = v
	}
	props[PropertyRemote] = c.remote

	msg, err := message.New(props, f.Content)
	if err != nil {
		m.logger.Warn("invalid websocket frame", "remote", c.remote, "error", err)
		return
	}
	defer msg.Release()
	if err := m.b.Publish(m, msg); err != nil {
		m.logger.Warn("failed to publish websocket frame", "remote", c.remote, "error", err)
	}
}

// Receive sends msg to every client. Clients whose send buffer is full are dropped.
func (m *Module) Receive(_ context.Context, msg *message.Message) error {
	data, err := json.Marshal(Frame{Properties: msg.Properties(), Content: msg.Content()})
	if err != nil {
		return fmt.Errorf("failed to encode websocket frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			m.logger.Warn("websocket send buffer full", "remote", c.remote)
			m.detachLocked(c)
		}
	}
	return nil
}

// Destroy disconnects every client and waits for their pumps to exit.
func (m *Module) Destroy() {
	m.mu.Lock()
	m.closed = true
	for c := range m.clients {
		m.detachLocked(c)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

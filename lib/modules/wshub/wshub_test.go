package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
	"github.com/snowmerak/gateway.go/lib/module/moduletest"
)

func startHub(t *testing.T, cfg Config) (*Module, *moduletest.Broker, *httptest.Server) {
	t.Helper()
	b := moduletest.NewBroker()
	m, err := New(b, cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		m.Destroy()
		srv.Close()
		b.Release()
	})
	return m, b, srv
}

func dial(t *testing.T, m *Module, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := m.Clients()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return m.Clients() > before }, 5*time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_ReceiveFansOut(t *testing.T) {
	m, _, srv := startHub(t, DefaultConfig())
	c1 := dial(t, m, srv)
	c2 := dial(t, m, srv)

	msg, err := message.New(map[string]string{"deviceName": "dev-1"}, []byte("21.5"))
	require.NoError(t, err)
	defer msg.Release()
	require.NoError(t, m.Receive(context.Background(), msg))

	for _, c := range []*websocket.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f Frame
		require.NoError(t, c.ReadJSON(&f))
		assert.Equal(t, Frame{Properties: map[string]string{"deviceName": "dev-1"}, Content: []byte("21.5")}, f)
	}
}

func TestHub_ClientFramesArePublished(t *testing.T) {
	m, b, srv := startHub(t, DefaultConfig())
	c := dial(t, m, srv)

	require.NoError(t, c.WriteJSON(Frame{Properties: map[string]string{"command": "pause"}, Content: []byte("now")}))
	got := b.Wait(1, 5*time.Second)
	require.Len(t, got, 1)

	assert.Same(t, m, got[0].Publisher)
	assert.Equal(t, "now", string(got[0].Message.Content()))
	v, _ := got[0].Message.Property("command")
	assert.Equal(t, "pause", v)
	remote, ok := got[0].Message.Property(PropertyRemote)
	assert.True(t, ok)
	assert.NotEmpty(t, remote)
}

func TestHub_BinaryContent(t *testing.T) {
	m, b, srv := startHub(t, DefaultConfig())
	c := dial(t, m, srv)
	payload := []byte{0xAA, 0xBB, 0x00, 0xFF}

	msg, err := message.New(nil, payload)
	require.NoError(t, err)
	defer msg.Release()
	require.NoError(t, m.Receive(context.Background(), msg))

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"qrsA/w=="`)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, payload, f.Content)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"content":"qrs="}`)))
	got := b.Wait(1, 5*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xAA, 0xBB}, got[0].Message.Content())
}

func TestHub_InvalidFrameKeepsConnection(t *testing.T) {
	m, b, srv := startHub(t, DefaultConfig())
	c := dial(t, m, srv)

	require.NoError(t, c.WriteJSON(Frame{Properties: map[string]string{"": "empty key"}}))
	require.NoError(t, c.WriteJSON(Frame{Content: []byte("ok")}))

	got := b.Wait(1, 5*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", string(got[0].Message.Content()))
	assert.Equal(t, 1, m.Clients())
}

func TestHub_ReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadOnly = true
	m, b, srv := startHub(t, cfg)
	c := dial(t, m, srv)

	require.NoError(t, c.WriteJSON(Frame{Content: []byte("ignored")}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.Messages())
}

func TestHub_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 2
	m, b, srv := startHub(t, cfg)
	c := dial(t, m, srv)

	for range 5 {
		require.NoError(t, c.WriteJSON(Frame{Content: []byte("x")}))
	}
	b.Wait(2, 5*time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.Messages(), 2)
}

func TestHub_ClientDisconnect(t *testing.T) {
	m, _, srv := startHub(t, DefaultConfig())
	c := dial(t, m, srv)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return m.Clients() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHub_DestroyClosesClients(t *testing.T) {
	b := moduletest.NewBroker()
	m, err := New(b, DefaultConfig())
	require.NoError(t, err)
	srv := httptest.NewServer(m)
	defer srv.Close()

	c := dial(t, m, srv)
	m.Destroy()
	assert.Equal(t, 0, m.Clients())

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_ConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero buffer", func(c *Config) { c.SendBuffer = 0 }},
		{"zero read limit", func(c *Config) { c.ReadLimit = 0 }},
		{"pong before ping", func(c *Config) { c.PongWait = c.PingInterval }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			_, err := New(moduletest.NewBroker(), cfg)
			assert.ErrorIs(t, err, module.ErrInvalidConfig)
		})
	}
}

func TestHub_CreateFromJSON(t *testing.T) {
	mod, err := APIs.CreateFromJSON(moduletest.NewBroker(), []byte(`{"read_limit":"1KiB","ping_interval":"1s","pong_wait":"3s"}`))
	require.NoError(t, err)
	defer mod.Destroy()

	m := mod.(*Module)
	assert.EqualValues(t, 1024, m.cfg.ReadLimit)
	assert.Equal(t, time.Second, m.cfg.PingInterval.Duration())
	assert.Equal(t, 64, m.cfg.SendBuffer)
	_, ok := mod.(http.Handler)
	assert.True(t, ok)
}

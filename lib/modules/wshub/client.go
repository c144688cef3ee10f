package wshub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one websocket connection. Frames for it are queued on send and written by
// writePump; readPump publishes what it reads.
type client struct {
	hub       *Module
	conn      *websocket.Conn
	send      chan []byte
	remote    string
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *client) writePump() {
	ping := time.NewTicker(c.hub.cfg.PingInterval.Duration())
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout.Duration()))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Warn("websocket write error", "remote", c.remote, "error", err)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout.Duration())); err != nil {
				c.hub.logger.Warn("websocket ping error", "remote", c.remote, "error", err)
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongWait.Duration()
	c.conn.SetReadLimit(c.hub.cfg.ReadLimit.Int64())
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("websocket read error", "remote", c.remote, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.publish(c, f)
	}
}

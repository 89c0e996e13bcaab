package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-realtime-backend/internal/recovery"
)

// Conn is one accepted websocket connection. The gateway owns its lifecycle;
// all outbound traffic flows through the buffered send channel so a stalled
// peer never blocks a publisher.
type Conn struct {
	ID     string
	UserID string

	ip          string
	ws          *websocket.Conn
	send        chan []byte
	connectedAt time.Time

	// stale is set when a heartbeat ping goes out and cleared by the pong.
	// Two consecutive misses end the connection.
	stale atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id, userID, ip string, ws *websocket.Conn, queueSize int, now time.Time) *Conn {
	return &Conn{
		ID:          id,
		UserID:      userID,
		ip:          ip,
		ws:          ws,
		send:        make(chan []byte, queueSize),
		connectedAt: now,
		done:        make(chan struct{}),
	}
}

// enqueue hands a marshaled frame to the write pump without blocking.
// A full queue means the peer cannot keep up; the caller decides what
// that costs the connection.
func (c *Conn) enqueue(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close releases the underlying socket exactly once. The read pump exits on
// the socket error, the write pump on the done channel.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and drives the
// heartbeat. It runs until the connection closes.
func (g *Gateway) writePump(c *Conn) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.disconnect(c, recovery.ReasonTransportClose)
				return
			}
		case <-ticker.C:
			if c.stale.Load() {
				// The previous ping was never answered.
				g.disconnect(c, recovery.ReasonPingTimeout)
				return
			}
			c.stale.Store(true)
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.disconnect(c, recovery.ReasonTransportClose)
				return
			}
		}
	}
}

// readPump consumes client frames until the socket errors or closes, then
// reports the disconnect with the appropriate reason.
func (g *Gateway) readPump(c *Conn) {
	c.ws.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.stale.Store(false)
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := recovery.ReasonTransportClose
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = recovery.ReasonClientLogout
			}
			g.disconnect(c, reason)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		g.dispatch(c, data)
	}
}

package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPayload   int64 = 1000000
	writeTimeout       = 10 * time.Second
	pingInterval       = 25 * time.Second
	pingTimeout        = 20 * time.Second
)

// conn is one live client session. Fields set by handleConnect are only
// read afterwards; roomID is guarded by the server mutex because the
// disconnect path can race a failed-write teardown.
type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool
	userID    string
	email     string

	roomID string // guarded by Server.mu

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) writeEvent(event string, args ...any) error {
	packet, err := buildEventPacket(event, args...)
	if err != nil {
		return err
	}
	return c.writeText(engineFrame(engineMessage, packet))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

// pingLoop drives Engine.IO heartbeats. A missed pong closes the
// transport, which is what guarantees the disconnect callback the room
// cleanup relies on.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(engineFrame(enginePing, ""))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

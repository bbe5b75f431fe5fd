package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/util"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; SDP fits comfortably.
	maxMessageSize = 64 * 1024

	sendQueueSize = 64
)

// client is the server side of one participant's WebSocket.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	room string
	send chan *Message

	joined bool // owned by the hub goroutine
}

// trySend queues msg without blocking the hub. A participant whose queue is
// full misses the message.
func (c *client) trySend(msg *Message) {
	select {
	case c.send <- msg:
	default:
		util.LogWarning("send queue of %s full, dropping %s", c.id, msg.Type)
	}
}

// readPump forwards inbound messages to the hub. It is the only reader of
// the connection.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogWarning("read from %s: %v", c.id, err)
			}
			return
		}
		select {
		case c.hub.relay <- relayed{from: c, msg: msg}:
		case <-c.hub.quit:
			return
		}
	}
}

// writePump writes queued messages and keepalive pings. It is the only
// writer of the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				util.LogWarning("write to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

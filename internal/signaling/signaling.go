package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/transport"
	"github.com/1ureka/huddle/internal/util"
)

// welcomeTimeout bounds the wait for the server's welcome.
const welcomeTimeout = 10 * time.Second

// Client is a participant's signaling connection. It assigns the mesh its
// identity, offers to every peer already present, and answers the offers
// of peers that join later.
type Client struct {
	conn *websocket.Conn
	out  *sender
	mesh *transport.Mesh

	// Only touched by the watch goroutine.
	pending map[string][]webrtc.ICECandidateInit

	done      chan struct{}
	err       error
	closeOnce sync.Once
	closed    atomic.Bool
}

// Join connects to the room at url and starts driving mesh. The returned
// Client keeps the WebSocket open until Close or a connection failure.
func Join(ctx context.Context, url string, mesh *transport.Mesh) (*Client, error) {
	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch welcome.Type {
	case MsgTypeWelcome:
	case MsgTypeError:
		conn.Close()
		return nil, fmt.Errorf("signaling server refused to join: %s", welcome.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", welcome.Type)
	}

	mesh.SetIdentity(welcome.ID)
	util.LogSuccess("joined as %s with %d peer(s) present", welcome.ID, len(welcome.Peers))

	c := &Client{
		conn:    conn,
		out:     &sender{conn: conn},
		mesh:    mesh,
		pending: make(map[string][]webrtc.ICECandidateInit),
		done:    make(chan struct{}),
	}

	// Offers go out before the read loop starts so that answers always find
	// their transport.
	for _, peer := range welcome.Peers {
		if err := c.offer(peer); err != nil {
			util.LogWarning("offer to %s: %v", peer, err)
		}
	}

	go func() {
		err := c.watch()
		c.err = err
		close(c.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	return c, nil
}

// Identity returns the identity assigned by the server.
func (c *Client) Identity() string { return c.mesh.Identity() }

// Done is closed when the signaling connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended. Valid after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if c.closed.Load() || websocket.IsCloseError(errors.Unwrap(c.err), websocket.CloseNormalClosure) {
		return nil
	}
	return c.err
}

// Close closes the signaling connection. Established peer links stay up.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.out.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.out.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

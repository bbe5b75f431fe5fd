package signaling

import (
	"fmt"

	"github.com/1ureka/huddle/internal/util"
)

// watch is the client's read loop. It drives the mesh from signaling
// messages until the connection fails.
func (c *Client) watch() error {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		var err error
		switch msg.Type {
		case MsgTypePeerJoined:
			// The newcomer offers; nothing to do until it does.
			util.LogInfo("peer %s joined, waiting for its offer", msg.ID)
		case MsgTypePeerLeft:
			c.mesh.RemovePeer(msg.ID)
			delete(c.pending, msg.ID)
		case MsgTypeOffer:
			err = c.answer(msg.From, msg.SDP)
		case MsgTypeAnswer:
			err = c.accept(msg.From, msg.SDP)
		case MsgTypeCandidate:
			err = c.candidate(msg.From, msg.Candidate)
		case MsgTypeError:
			util.LogWarning("signaling server: %s", msg.Error)
		default:
			util.LogDebug("ignoring signaling message %q", msg.Type)
		}

		// A failed exchange affects one peer only.
		if err != nil {
			util.LogWarning("%v", err)
		}
	}
}

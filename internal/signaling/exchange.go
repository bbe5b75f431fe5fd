package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/transport"
	"github.com/1ureka/huddle/internal/util"
)

// peerLink creates the Transport to remote and trickles its local ICE
// candidates through the signaling connection.
func (c *Client) peerLink(remote string) (*transport.Transport, error) {
	tr, err := c.mesh.AddPeer(remote)
	if err != nil {
		return nil, fmt.Errorf("create transport to %s: %w", remote, err)
	}
	tr.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		// Best-effort: a lost candidate only narrows the path choice.
		if err := c.out.sendCandidate(remote, string(data)); err != nil {
			util.LogDebug("send candidate to %s: %v", remote, err)
		}
	})
	return tr, nil
}

// offer opens a link to a peer that was in the room before us.
func (c *Client) offer(remote string) error {
	tr, err := c.peerLink(remote)
	if err != nil {
		return err
	}
	offer, err := tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("CreateOffer for %s: %w", remote, err)
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription for %s: %w", remote, err)
	}
	return c.out.sendOffer(remote, offer.SDP)
}

// answer accepts an offer from a newcomer.
func (c *Client) answer(remote, sdp string) error {
	tr, err := c.peerLink(remote)
	if err != nil {
		return err
	}
	if err := tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription from %s: %w", remote, err)
	}
	c.flushCandidates(remote, tr)

	answer, err := tr.CreateAnswer()
	if err != nil {
		return fmt.Errorf("CreateAnswer for %s: %w", remote, err)
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription for %s: %w", remote, err)
	}
	return c.out.sendAnswer(remote, answer.SDP)
}

// accept applies the answer to an offer we made.
func (c *Client) accept(remote, sdp string) error {
	tr, ok := c.mesh.Peer(remote)
	if !ok {
		return fmt.Errorf("answer from %s without a pending offer", remote)
	}
	if err := tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription from %s: %w", remote, err)
	}
	c.flushCandidates(remote, tr)
	return nil
}

// candidate adds a remote ICE candidate, holding it back until the remote
// description is known.
func (c *Client) candidate(remote, raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return fmt.Errorf("parse ICE candidate from %s: %w", remote, err)
	}
	tr, ok := c.mesh.Peer(remote)
	if !ok || !tr.HasRemoteDescription() {
		c.pending[remote] = append(c.pending[remote], init)
		return nil
	}
	return tr.AddICECandidate(init)
}

func (c *Client) flushCandidates(remote string, tr *transport.Transport) {
	for _, init := range c.pending[remote] {
		if err := tr.AddICECandidate(init); err != nil {
			util.LogDebug("AddICECandidate from %s: %v", remote, err)
		}
	}
	delete(c.pending, remote)
}

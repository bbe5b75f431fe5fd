package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *sender) sendOffer(to, sdp string) error {
	return s.send(Message{Type: MsgTypeOffer, To: to, SDP: sdp})
}

func (s *sender) sendAnswer(to, sdp string) error {
	return s.send(Message{Type: MsgTypeAnswer, To: to, SDP: sdp})
}

// sendCandidate sends a JSON-encoded ICE candidate to one peer.
func (s *sender) sendCandidate(to, candidate string) error {
	return s.send(Message{Type: MsgTypeCandidate, To: to, Candidate: candidate})
}

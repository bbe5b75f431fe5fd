// Package signaling relays SDP/ICE between the participants of a room so
// that each pair can open a direct WebRTC link. The WebSocket stays open for
// the lifetime of the session so late joiners can still reach everyone.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeWelcome    MessageType = "welcome"     // server → joiner: your id and the peers already present
	MsgTypePeerJoined MessageType = "peer-joined" // server → room
	MsgTypePeerLeft   MessageType = "peer-left"   // server → room
	MsgTypeOffer      MessageType = "offer"
	MsgTypeAnswer     MessageType = "answer"
	MsgTypeCandidate  MessageType = "candidate"
	MsgTypeError      MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket.
//
// Offers, answers and candidates are addressed with To; the server stamps
// From before relaying them.
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Peers     []string    `json:"peers,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Error     string      `json:"error,omitempty"`
}

func (t MessageType) relayed() bool {
	return t == MsgTypeOffer || t == MsgTypeAnswer || t == MsgTypeCandidate
}

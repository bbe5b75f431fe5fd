// Package protocol defines the data-channel frame format and the topics that
// make up the session wire surface.
package protocol

// Topics carried over the mesh. The delivery class of each topic is fixed:
// document updates, sync traffic and whiteboard envelopes are reliable;
// awareness, cursors and reactions are lossy.
const (
	TopicDocUpdate       = "doc-update"        // binary CRDT delta
	TopicDocAwareness    = "doc-awareness"     // binary awareness delta
	TopicDocSyncRequest  = "doc-sync-request"  // JSON {"type":"sync-request"}
	TopicDocSyncResponse = "doc-sync-response" // binary full CRDT snapshot
	TopicWhiteboard      = "whiteboard"        // JSON whiteboard envelope
	TopicCursor          = "cursor-presence"   // JSON {x,y}, normalised 0–1
	TopicReactions       = "reactions"         // JSON {emoji}
)

// TypeSyncRequest is the envelope type used by every sync-request payload.
const TypeSyncRequest = "sync-request"

// Size limits.
const (
	// MaxFrameSize bounds a single encoded frame.
	MaxFrameSize = 256 * 1024
	// ChunkSize is the largest payload sent unfragmented on the reliable
	// class; it keeps every DataChannel message within what all WebRTC
	// stacks accept.
	ChunkSize = 16 * 1024
	// MaxMessageSize bounds a reassembled payload.
	MaxMessageSize = 16 * 1024 * 1024
)

// Frame is the unit transmitted over a DataChannel. The sender identity is
// not part of the frame: the receiving link attaches the identity of the
// peer it is connected to.
//
// A payload larger than ChunkSize travels as Parts frames sharing Seq, with
// Part numbering them from 0.
type Frame struct {
	Topic   string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
	Seq     uint32 `msgpack:"s,omitempty"`
	Part    uint32 `msgpack:"i,omitempty"`
	Parts   uint32 `msgpack:"n,omitempty"`
}

// Fragmented reports whether f is one part of a larger payload.
func (f *Frame) Fragmented() bool { return f.Parts > 1 }

// SyncRequest is the JSON body published on TopicDocSyncRequest.
type SyncRequest struct {
	Type string `json:"type"`
}

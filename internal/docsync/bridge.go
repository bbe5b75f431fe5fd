package docsync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/1ureka/huddle/internal/awareness"
	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

// DefaultSyncDelay lets the channel finish setting up before the one-shot
// sync request is sent.
const DefaultSyncDelay = 1000 * time.Millisecond

// Options configures a Bridge.
type Options struct {
	SyncDelay time.Duration // zero means DefaultSyncDelay
}

// Bridge adapts a Document and its Awareness to a room.Channel.
//
// Lifecycle: Connect → (Disconnect → Connect)* → Destroy. While connected,
// local updates are published on TopicDocUpdate, remote updates are applied,
// every sync request is answered with a full snapshot, and exactly one sync
// response is applied per connection.
type Bridge struct {
	ch   room.Channel
	doc  *Document
	aw   *awareness.Awareness
	opts Options

	mu        sync.Mutex
	connected bool
	synced    bool
	destroyed bool
	timer     *time.Timer
	subs      room.Disposers
}

// NewBridge wires doc and aw to ch. Nothing is subscribed until Connect.
func NewBridge(ch room.Channel, doc *Document, aw *awareness.Awareness, opts Options) *Bridge {
	if opts.SyncDelay <= 0 {
		opts.SyncDelay = DefaultSyncDelay
	}
	return &Bridge{ch: ch, doc: doc, aw: aw, opts: opts}
}

// Document returns the bridged document.
func (b *Bridge) Document() *Document { return b.doc }

// Awareness returns the bridged awareness.
func (b *Bridge) Awareness() *awareness.Awareness { return b.aw }

// Connected reports whether the bridge is listening.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Synced reports whether the initial full-state exchange completed.
func (b *Bridge) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// Connect starts listening and schedules the one-shot sync request.
// It is a no-op when already connected or destroyed.
func (b *Bridge) Connect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected || b.destroyed {
		return
	}
	b.connected = true
	b.synced = false

	b.subs.Add(b.doc.OnUpdate(b.onLocalUpdate))
	b.subs.Add(b.aw.OnChange(b.onAwarenessChange))
	b.subs.Add(room.SubscribeRemote(b.ch, protocol.TopicDocUpdate, b.onRemoteUpdate))
	b.subs.Add(room.SubscribeRemote(b.ch, protocol.TopicDocAwareness, b.onRemoteAwareness))
	b.subs.Add(room.SubscribeRemote(b.ch, protocol.TopicDocSyncRequest, b.onSyncRequest))
	b.subs.Add(room.SubscribeRemote(b.ch, protocol.TopicDocSyncResponse, b.onSyncResponse))
	b.subs.Add(b.ch.OnLeave(b.onLeave))

	b.timer = time.AfterFunc(b.opts.SyncDelay, b.requestSync)
}

// Disconnect stops listening and clears the connection state. The document
// and the awareness are left intact.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.synced = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	subs.Run()
}

// Destroy permanently releases the awareness and disconnects. The local
// state removal is published to peers before the bridge unsubscribes.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	already := b.destroyed
	b.destroyed = true
	b.mu.Unlock()

	if !already {
		b.aw.Destroy()
	}
	b.Disconnect()
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// requestSync fires once per connection after the settling delay.
func (b *Bridge) requestSync() {
	if !b.Connected() {
		return
	}

	payload, err := json.Marshal(protocol.SyncRequest{Type: protocol.TypeSyncRequest})
	if err != nil {
		util.LogError("marshal document sync request: %v", err)
		return
	}
	room.Send(b.ch, protocol.TopicDocSyncRequest, payload, room.Reliable)

	// Announce ourselves so peers see our presence without waiting for an
	// awareness change.
	b.publishAwareness([]string{b.aw.Identity()})
}

func (b *Bridge) onLocalUpdate(update []byte, origin Origin) {
	if origin == OriginRemoteApplied || !b.Connected() {
		return
	}
	room.Send(b.ch, protocol.TopicDocUpdate, update, room.Reliable)
}

func (b *Bridge) onAwarenessChange(c awareness.Change, origin awareness.Origin) {
	if origin != awareness.OriginLocal || !b.Connected() {
		return
	}
	b.publishAwareness(c.IDs())
}

func (b *Bridge) publishAwareness(ids []string) {
	data, err := b.aw.EncodeUpdate(ids)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	room.Send(b.ch, protocol.TopicDocAwareness, data, room.Lossy)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (b *Bridge) onRemoteUpdate(msg room.Message) {
	if err := b.doc.ApplyUpdate(msg.Payload, OriginRemoteApplied); err != nil {
		util.LogWarning("dropping document update from %s: %v", msg.Sender, err)
	}
}

func (b *Bridge) onRemoteAwareness(msg room.Message) {
	if err := b.aw.ApplyUpdate(msg.Payload, awareness.OriginRemote); err != nil {
		util.LogWarning("dropping awareness update from %s: %v", msg.Sender, err)
	}
}

// onSyncRequest answers every request, duplicates included.
func (b *Bridge) onSyncRequest(msg room.Message) {
	var req protocol.SyncRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		util.LogWarning("dropping malformed document sync request from %s: %v", msg.Sender, err)
		return
	}
	if req.Type != protocol.TypeSyncRequest {
		util.LogWarning("dropping document sync request from %s with type %q", msg.Sender, req.Type)
		return
	}

	util.LogDebug("answering document sync request from %s", msg.Sender)
	room.Send(b.ch, protocol.TopicDocSyncResponse, b.doc.Snapshot(), room.Reliable)

	// The requester is new to the room and has not seen our awareness yet.
	b.publishAwareness([]string{b.aw.Identity()})
}

// onSyncResponse applies the first snapshot of the connection and ignores
// every later one.
func (b *Bridge) onSyncResponse(msg room.Message) {
	b.mu.Lock()
	if !b.connected || b.synced {
		b.mu.Unlock()
		util.LogDebug("ignoring document sync response from %s (already synced)", msg.Sender)
		return
	}
	b.synced = true
	b.mu.Unlock()

	if err := b.doc.ApplySnapshot(msg.Payload, OriginRemoteApplied); err != nil {
		util.LogWarning("dropping document snapshot from %s: %v", msg.Sender, err)
		b.mu.Lock()
		b.synced = false
		b.mu.Unlock()
		return
	}
	util.LogDebug("document synced from %s", msg.Sender)
}

func (b *Bridge) onLeave(identity string) {
	b.aw.RemoveStates([]string{identity}, awareness.OriginTimeout)
}

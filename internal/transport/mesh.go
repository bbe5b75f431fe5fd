package transport

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

// link is one peer connection as seen by the Mesh.
type link interface {
	Remote() string
	Send(data []byte, d room.Delivery) bool
	Done() <-chan struct{}
	Close() error
}

// Mesh is a room.Channel over one link per remote participant. Publishes
// fan out to every link; inbound frames are dispatched to topic subscribers
// tagged with the identity of the link they arrived on.
type Mesh struct {
	ctx    context.Context
	cancel context.CancelFunc
	ice    ICEConfig
	reg    *room.Registry

	seq protocol.SeqGen

	mu       sync.RWMutex
	identity string
	links    map[string]link
	inbound  map[string]*protocol.Reassembler
	closed   bool
}

var _ room.Channel = (*Mesh)(nil)

// NewMesh creates an empty mesh. It is not Ready until SetIdentity.
func NewMesh(ctx context.Context, ice ICEConfig) *Mesh {
	mCtx, cancel := context.WithCancel(ctx)
	return &Mesh{
		ctx:     mCtx,
		cancel:  cancel,
		ice:     ice,
		reg:     room.NewRegistry(),
		links:   make(map[string]link),
		inbound: make(map[string]*protocol.Reassembler),
	}
}

// SetIdentity assigns the local identity, typically from the signaling
// welcome.
func (m *Mesh) SetIdentity(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

func (m *Mesh) Identity() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

func (m *Mesh) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity != "" && !m.closed
}

// Publish encodes the payload once and queues it on every link. Reliable
// payloads larger than protocol.ChunkSize are sent as several frames. Links
// whose lossy queue is full drop the frame.
func (m *Mesh) Publish(topic string, payload []byte, d room.Delivery) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return room.ErrClosed
	}
	if m.identity == "" {
		m.mu.RUnlock()
		return room.ErrNotReady
	}
	links := slices.Collect(maps.Values(m.links))
	m.mu.RUnlock()

	frames := []*protocol.Frame{{Topic: topic, Payload: payload}}
	if d == room.Reliable {
		var err error
		if frames, err = protocol.Split(topic, payload, m.seq.Next()); err != nil {
			return err
		}
	}

	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	for _, l := range links {
		for _, data := range encoded {
			l.Send(data, d)
		}
	}
	return nil
}

func (m *Mesh) Subscribe(topic string, fn room.Handler) func() {
	return m.reg.Subscribe(topic, fn)
}

func (m *Mesh) OnLeave(fn func(identity string)) func() {
	return m.reg.OnLeave(fn)
}

// Peers returns the identities of the attached links.
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Collect(maps.Keys(m.links))
	slices.Sort(ids)
	return ids
}

// Peer returns the Transport to remote, if it is a WebRTC link.
func (m *Mesh) Peer(remote string) (*Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.links[remote].(*Transport)
	return t, ok
}

// AddPeer creates a Transport to remote and attaches it. An existing link to
// the same remote is replaced.
func (m *Mesh) AddPeer(remote string) (*Transport, error) {
	t, err := NewTransport(m.ctx, remote, m.ice)
	if err != nil {
		return nil, err
	}
	t.OnMessage(func(data []byte) { m.receive(remote, data) })
	m.attach(t)
	return t, nil
}

func (m *Mesh) attach(l link) {
	remote := l.Remote()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.Close()
		return
	}
	old := m.links[remote]
	m.links[remote] = l
	m.inbound[remote] = protocol.NewReassembler()
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	util.Stats.AddPeer()
	util.LogInfo("peer %s attached", remote)

	go func() {
		select {
		case <-l.Done():
			m.detach(remote, l)
		case <-m.ctx.Done():
		}
	}()
}

// RemovePeer closes the link to remote and notifies departure listeners.
func (m *Mesh) RemovePeer(remote string) {
	m.mu.RLock()
	l := m.links[remote]
	m.mu.RUnlock()
	if l != nil {
		m.detach(remote, l)
	}
}

// detach removes l if it is still the current link to remote.
func (m *Mesh) detach(remote string, l link) {
	m.mu.Lock()
	if m.links[remote] != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, remote)
	delete(m.inbound, remote)
	m.mu.Unlock()

	l.Close()
	util.Stats.RemovePeer()
	util.LogInfo("peer %s left", remote)
	m.reg.Leave(remote)
}

// receive decodes one inbound frame from remote and dispatches it.
// Malformed frames are dropped.
func (m *Mesh) receive(remote string, data []byte) {
	util.Stats.AddRecv(len(data))

	f, err := protocol.Decode(data)
	if err != nil {
		util.LogWarning("dropping frame from %s: %v", remote, err)
		return
	}
	if f.Fragmented() {
		m.mu.RLock()
		r := m.inbound[remote]
		m.mu.RUnlock()
		if r == nil {
			return
		}
		if f, err = r.Feed(f); err != nil {
			util.LogWarning("dropping fragment from %s: %v", remote, err)
			return
		}
		if f == nil {
			return
		}
	}
	m.reg.Deliver(room.Message{Topic: f.Topic, Sender: remote, Payload: f.Payload})
}

// Close detaches every link. The mesh cannot be reused.
func (m *Mesh) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[string]link)
	m.inbound = make(map[string]*protocol.Reassembler)
	m.mu.Unlock()

	m.cancel()
	for remote, l := range links {
		l.Close()
		m.reg.Leave(remote)
	}
}

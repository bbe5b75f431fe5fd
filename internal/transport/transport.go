package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

// Transport wraps the PeerConnection to one remote participant and its two
// pre-negotiated DataChannels, providing signaling exchange, frame sending
// with backpressure, and frame receiving.
//
// Its lifecycle is governed by the reliable DataChannel, the PeerConnection
// reaching a terminal state, and the context passed at construction time.
type Transport struct {
	remote string

	pc       *webrtc.PeerConnection
	reliable *webrtc.DataChannel
	lossy    *webrtc.DataChannel

	reliableTx *sender
	lossyTx    *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewTransport creates a Transport to remote backed by a new PeerConnection
// and both DataChannels. The caller performs signaling through the exposed
// methods and then uses Send / OnMessage.
func NewTransport(ctx context.Context, remote string, ice ICEConfig) (*Transport, error) {
	pc, err := newPeerConnection(newAPI(), ice)
	if err != nil {
		return nil, err
	}

	reliable, lossy, err := newDataChannels(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		remote:     remote,
		pc:         pc,
		reliable:   reliable,
		lossy:      lossy,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// Open gate: both channels must be open.
	var opened atomic.Int32
	var openOnce sync.Once
	markOpen := func() {
		if opened.Add(1) == 2 {
			openOnce.Do(func() {
				util.LogDebug("data channels to %s open", remote)
				close(t.openSignal)
			})
		}
	}
	reliable.OnOpen(markOpen)
	lossy.OnOpen(markOpen)

	// Reliable DC close → cancel transport context.
	reliable.OnClose(func() {
		util.LogDebug("reliable channel to %s closed", remote)
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection to %s: %s", remote, state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			tCancel()
		}
	})

	t.reliableTx = newSender(tCtx, "reliable", reliable, t.openSignal, false)
	t.lossyTx = newSender(tCtx, "lossy", lossy, t.openSignal, true)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Remote returns the identity of the participant on the other end.
func (t *Transport) Remote() string { return t.remote }

// Ready returns a channel that is closed when both DataChannels are open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down both DataChannels and the PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.lossy.Close(), t.reliable.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// HasRemoteDescription reports whether the remote SDP has been applied.
func (t *Transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues an encoded frame on the channel matching d.
func (t *Transport) Send(data []byte, d room.Delivery) bool {
	if d == room.Lossy {
		return t.lossyTx.send(t.ctx, data)
	}
	return t.reliableTx.send(t.ctx, data)
}

// OnMessage registers a callback invoked for every inbound message on
// either channel.
func (t *Transport) OnMessage(fn func(data []byte)) {
	handler := func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	}
	t.reliable.OnMessage(handler)
	t.lossy.OnMessage(handler)
}

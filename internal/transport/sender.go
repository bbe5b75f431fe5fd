package transport

import (
	"context"

	"github.com/1ureka/huddle/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing frame channel capacity
)

// dataChannel is the subset of *webrtc.DataChannel a sender writes to.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
//
// A lossy sender never blocks its callers: frames are dropped when the inbox
// is full or the channel is above the high-water mark.
type sender struct {
	label       string
	lossy       bool
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, label string, dc dataChannel, openSignal <-chan struct{}, lossy bool) *sender {
	s := &sender{
		label:       label,
		lossy:       lossy,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc dataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send frames with backpressure.
	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				if s.lossy {
					util.Stats.AddDrop()
					continue
				}
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("failed to send frame on %s channel (%d bytes): %v", s.label, len(data), err)
				return
			}

			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues an encoded frame. A reliable sender blocks while the inbox
// is full; a lossy one drops. It reports whether the frame was queued.
func (s *sender) send(ctx context.Context, data []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.lossy {
		select {
		case s.inbox <- data:
			return true
		default:
			util.Stats.AddDrop()
			return false
		}
	}
	select {
	case s.inbox <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package presence shares live pointer positions and emoji reactions over
// the lossy delivery class.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

const (
	// DefaultFrameInterval is the window in which updates collapse into one
	// send.
	DefaultFrameInterval = 16 * time.Millisecond
	// DefaultMinInterval is the minimum spacing between two sends.
	DefaultMinInterval = 33 * time.Millisecond
)

// Position is the cursor payload. Coordinates are normalised to [0, 1]
// relative to the shared canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// BroadcasterOptions configures a Broadcaster.
type BroadcasterOptions struct {
	FrameInterval time.Duration // zero means DefaultFrameInterval
	MinInterval   time.Duration // zero means DefaultMinInterval
}

// Broadcaster publishes the local cursor. Bursts of Update calls collapse
// into one send per frame carrying the latest position, and sends are
// spaced by at least MinInterval.
type Broadcaster struct {
	ch      room.Channel
	frame   time.Duration
	limiter *rate.Limiter

	mu      sync.Mutex
	pending *Position
	timer   *time.Timer
	closed  bool
}

func NewBroadcaster(ch room.Channel, opts BroadcasterOptions) *Broadcaster {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	return &Broadcaster{
		ch:      ch,
		frame:   opts.FrameInterval,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
	}
}

// Update records the latest local position and schedules a send.
func (b *Broadcaster) Update(x, y float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = &Position{X: clamp01(x), Y: clamp01(y)}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.frame, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	if b.closed || b.pending == nil {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	r := b.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		b.timer = time.AfterFunc(d, b.flush)
		b.mu.Unlock()
		return
	}
	p := *b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		util.LogError("marshal cursor position: %v", err)
		return
	}
	room.Send(b.ch, protocol.TopicCursor, data, room.Lossy)
}

// Close cancels any pending send. Later updates are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

package presence

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

const (
	DefaultStaleAfter    = 3000 * time.Millisecond
	DefaultSweepInterval = 1 * time.Second
)

// Cursor is a remote participant's last known pointer.
type Cursor struct {
	X, Y  float64
	Color string
	Seen  time.Time
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	StaleAfter    time.Duration // zero means DefaultStaleAfter
	SweepInterval time.Duration // zero means DefaultSweepInterval
}

type trackerListener struct {
	id uint64
	fn func()
}

// Tracker keeps the presence map of remote cursors. Entries not refreshed
// within StaleAfter are dropped by Sweep; departures drop them at once.
type Tracker struct {
	ch   room.Channel
	opts TrackerOptions
	now  func() time.Time

	mu        sync.Mutex
	cursors   map[string]Cursor
	subs      room.Disposers
	listeners []trackerListener
	nextID    uint64
}

func NewTracker(ch room.Channel, opts TrackerOptions) *Tracker {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Tracker{
		ch:      ch,
		opts:    opts,
		now:     time.Now,
		cursors: make(map[string]Cursor),
	}
}

// Start subscribes to cursor messages and departures.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) > 0 {
		return
	}
	t.subs.Add(room.SubscribeRemote(t.ch, protocol.TopicCursor, t.onCursor))
	t.subs.Add(t.ch.OnLeave(t.remove))
}

// Stop unsubscribes. Known cursors are kept.
func (t *Tracker) Stop() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	subs.Run()
}

// Run sweeps stale cursors every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(t.now())
		case <-ctx.Done():
			return
		}
	}
}

// OnChange registers fn, called after any change of the presence map.
func (t *Tracker) OnChange(fn func()) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, trackerListener{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.listeners = slices.DeleteFunc(t.listeners, func(l trackerListener) bool { return l.id == id })
		})
	}
}

func (t *Tracker) emit() {
	t.mu.Lock()
	ls := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, l := range ls {
		l.fn()
	}
}

// Cursors returns a copy of the presence map.
func (t *Tracker) Cursors() map[string]Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.cursors)
}

// Sweep removes every cursor last seen StaleAfter or more before now.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	n := len(t.cursors)
	maps.DeleteFunc(t.cursors, func(_ string, c Cursor) bool {
		return now.Sub(c.Seen) >= t.opts.StaleAfter
	})
	changed := len(t.cursors) != n
	t.mu.Unlock()

	if changed {
		t.emit()
	}
}

func (t *Tracker) onCursor(msg room.Message) {
	var p Position
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		util.LogDebug("dropping malformed cursor from %s: %v", msg.Sender, err)
		return
	}

	t.mu.Lock()
	t.cursors[msg.Sender] = Cursor{
		X:     clamp01(p.X),
		Y:     clamp01(p.Y),
		Color: util.ColorForIdentity(msg.Sender),
		Seen:  t.now(),
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) remove(identity string) {
	t.mu.Lock()
	_, ok := t.cursors[identity]
	delete(t.cursors, identity)
	t.mu.Unlock()

	if ok {
		t.emit()
	}
}

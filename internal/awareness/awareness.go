// Package awareness holds ephemeral, non-persisted per-participant state
// (cursor, user name, colour) that travels next to a document but is never
// merged into it.
//
// Every participant owns exactly one state and a monotonically increasing
// clock for it. Updates carry (identity, clock, state) triples; a receiver
// keeps the entry with the highest clock, and a nil state with a newer clock
// means the participant went away.
package awareness

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// OutdatedTimeout is how long a remote state survives without a refresh.
// The local state is renewed every OutdatedTimeout/2.
const OutdatedTimeout = 30 * time.Second

// State is one participant's key/value awareness state.
type State map[string]any

// Origin tags who caused a change.
type Origin uint8

const (
	OriginLocal   Origin = iota // a local SetLocalState / renewal
	OriginRemote                // ApplyUpdate of a peer's message
	OriginTimeout               // SweepOutdated or RemoveStates
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "timeout"
	}
}

// Change lists the participant identities affected by one operation.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// IDs returns Added ∪ Updated ∪ Removed.
func (c Change) IDs() []string {
	ids := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	ids = append(ids, c.Removed...)
	return ids
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type listener struct {
	id uint64
	fn func(Change, Origin)
}

// Awareness is safe for concurrent use. Listeners are invoked outside the
// lock, after the change has been applied.
type Awareness struct {
	self string
	now  func() time.Time

	mu        sync.Mutex
	states    map[string]State
	meta      map[string]*meta
	listeners []listener
	nextID    uint64
	destroyed bool
}

// New creates an Awareness for the local identity with an empty local state.
func New(identity string) *Awareness {
	a := &Awareness{
		self:   identity,
		now:    time.Now,
		states: make(map[string]State),
		meta:   make(map[string]*meta),
	}
	a.states[identity] = State{}
	a.meta[identity] = &meta{lastUpdated: a.now()}
	return a
}

// Identity returns the local identity.
func (a *Awareness) Identity() string { return a.self }

// OnChange registers fn and returns its disposer.
func (a *Awareness) OnChange(fn func(Change, Origin)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, listener{id: id, fn: fn})
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.listeners = slices.DeleteFunc(a.listeners, func(l listener) bool { return l.id == id })
		})
	}
}

func (a *Awareness) emit(c Change, origin Origin) {
	if c.Empty() {
		return
	}
	a.mu.Lock()
	ls := slices.Clone(a.listeners)
	a.mu.Unlock()

	for _, l := range ls {
		l.fn(c, origin)
	}
}

// LocalState returns a copy of the local state, or nil when offline.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.states[a.self])
}

// States returns a copy of every known state keyed by identity.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]State, len(a.states))
	for id, s := range a.states {
		out[id] = maps.Clone(s)
	}
	return out
}

// SetLocalState replaces the local state. A nil state marks the local
// participant as gone.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	prev, had := a.states[a.self]
	m := a.meta[a.self]
	m.clock++
	m.lastUpdated = a.now()

	var c Change
	switch {
	case s == nil:
		delete(a.states, a.self)
		if had {
			c.Removed = []string{a.self}
		}
	default:
		a.states[a.self] = maps.Clone(s)
		if !had {
			c.Added = []string{a.self}
		} else if !reflect.DeepEqual(prev, s) {
			c.Updated = []string{a.self}
		}
	}
	a.mu.Unlock()

	a.emit(c, OriginLocal)
}

// SetLocalField sets one key of the local state.
func (a *Awareness) SetLocalField(key string, value any) {
	s := a.LocalState()
	if s == nil {
		s = State{}
	}
	s[key] = value
	a.SetLocalState(s)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type entry struct {
	ID    string `msgpack:"id"`
	Clock uint64 `msgpack:"c"`
	State State  `msgpack:"s"`
}

// EncodeUpdate serializes the current (clock, state) of each listed identity.
// Identities that are known but removed encode as a nil state, so receivers
// learn about departures.
func (a *Awareness) EncodeUpdate(ids []string) ([]byte, error) {
	a.mu.Lock()
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, entry{ID: id, Clock: m.clock, State: maps.Clone(a.states[id])})
	}
	a.mu.Unlock()

	data, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges an encoded update received from a peer.
func (a *Awareness) ApplyUpdate(raw []byte, origin Origin) error {
	var entries []entry
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	var c Change
	renewLocal := false

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	for _, e := range entries {
		m := a.meta[e.ID]
		var curClock uint64
		if m != nil {
			curClock = m.clock
		}
		prev, had := a.states[e.ID]

		if !(curClock < e.Clock || (curClock == e.Clock && e.State == nil && had)) {
			continue
		}

		if e.State == nil {
			if e.ID == a.self && had {
				// A peer timed us out while we are still here: outbid it.
				renewLocal = true
				continue
			}
			delete(a.states, e.ID)
		} else {
			a.states[e.ID] = e.State
		}
		a.meta[e.ID] = &meta{clock: e.Clock, lastUpdated: now}

		switch {
		case !had && e.State != nil:
			c.Added = append(c.Added, e.ID)
		case had && e.State == nil:
			c.Removed = append(c.Removed, e.ID)
		case e.State != nil && !reflect.DeepEqual(prev, e.State):
			c.Updated = append(c.Updated, e.ID)
		}
	}
	a.mu.Unlock()

	a.emit(c, origin)
	if renewLocal {
		a.renewLocal()
	}
	return nil
}

// RemoveStates drops the states of remote participants, e.g. when the
// transport reports that they left. The local state is never removed here.
func (a *Awareness) RemoveStates(ids []string, origin Origin) {
	var c Change

	a.mu.Lock()
	for _, id := range ids {
		if id == a.self {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			if m := a.meta[id]; m != nil {
				m.lastUpdated = a.now()
			}
			c.Removed = append(c.Removed, id)
		}
	}
	a.mu.Unlock()

	a.emit(c, origin)
}

// SweepOutdated removes remote states not refreshed within OutdatedTimeout
// and renews the local state when half of that has elapsed.
func (a *Awareness) SweepOutdated(now time.Time) {
	var expired []string
	renew := false

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	for id, m := range a.meta {
		if id == a.self {
			if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= OutdatedTimeout/2 {
				renew = true
			}
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= OutdatedTimeout {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.renewLocal()
	}
	if len(expired) > 0 {
		slices.Sort(expired)
		a.RemoveStates(expired, OriginTimeout)
	}
}

// renewLocal bumps the local clock without changing the state, reported as
// an update so that it is re-broadcast.
func (a *Awareness) renewLocal() {
	a.mu.Lock()
	m := a.meta[a.self]
	m.clock++
	m.lastUpdated = a.now()
	a.mu.Unlock()

	a.emit(Change{Updated: []string{a.self}}, OriginLocal)
}

// Run sweeps outdated states until ctx is cancelled.
func (a *Awareness) Run(ctx context.Context) {
	ticker := time.NewTicker(OutdatedTimeout / 10)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			a.SweepOutdated(now)
		case <-ctx.Done():
			return
		}
	}
}

// Destroy marks the local participant as gone (notifying listeners one last
// time) and releases every listener. The Awareness is unusable afterwards.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)

	a.mu.Lock()
	a.destroyed = true
	a.listeners = nil
	a.mu.Unlock()
}

package whiteboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

// DefaultSyncDelay is how long Start waits before asking peers for the
// board.
const DefaultSyncDelay = 1500 * time.Millisecond

// Envelope types carried on protocol.TopicWhiteboard.
const (
	TypeStroke       = "stroke"
	TypeRemove       = "remove"
	TypeClear        = "clear"
	TypeUpdate       = "update"
	TypeSyncRequest  = "sync-request"
	TypeSyncResponse = "sync-response"
)

// ReconcilePolicy decides how a received full-board snapshot is combined
// with the local board.
type ReconcilePolicy uint8

const (
	// ReconcileLogicalClock merges a snapshot by id and never drops local
	// elements. Ids already removed here are not brought back. For ids on
	// both sides the snapshot version wins only when its clock is not
	// behind the local clock.
	ReconcileLogicalClock ReconcilePolicy = iota
	// ReconcileLastResponse accepts every snapshot; the last one wins.
	ReconcileLastResponse
)

func (p ReconcilePolicy) String() string {
	if p == ReconcileLastResponse {
		return "last-response"
	}
	return "logical-clock"
}

// ParsePolicy maps a configuration string to a policy.
func ParsePolicy(s string) (ReconcilePolicy, error) {
	switch s {
	case "", "logical-clock", "clock":
		return ReconcileLogicalClock, nil
	case "last-response", "last":
		return ReconcileLastResponse, nil
	}
	return 0, fmt.Errorf("unknown whiteboard reconcile policy %q", s)
}

// Origin tells listeners where a board change came from.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemoteApplied
)

// Change describes one board mutation. ID is empty for clear and snapshot.
type Change struct {
	Op     string
	ID     string
	Origin Origin
}

var (
	ErrNotFound  = errors.New("element not found")
	ErrNotSticky = errors.New("element is not a sticky note")
)

type envelope struct {
	Type    string    `json:"type"`
	Data    *Element  `json:"data,omitempty"`
	ID      string    `json:"id,omitempty"`
	Strokes []Element `json:"strokes,omitempty"`
	Clock   uint64    `json:"clock"`
}

// Options configures a Sync.
type Options struct {
	SyncDelay time.Duration // zero means DefaultSyncDelay
	Policy    ReconcilePolicy
	Validator *Validator // nil means NewValidator()
}

type changeListener struct {
	id uint64
	fn func(Change)
}

// Sync mirrors a Board over one reliable topic.
type Sync struct {
	ch    room.Channel
	board *Board
	opts  Options

	mu        sync.Mutex
	clock     uint64
	removed   map[string]struct{} // ids are never reused
	active    bool
	timer     *time.Timer
	subs      room.Disposers
	listeners []changeListener
	nextID    uint64
}

func NewSync(ch room.Channel, board *Board, opts Options) *Sync {
	if opts.SyncDelay <= 0 {
		opts.SyncDelay = DefaultSyncDelay
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator()
	}
	return &Sync{ch: ch, board: board, opts: opts, removed: make(map[string]struct{})}
}

// Board returns the mirrored board.
func (s *Sync) Board() *Board { return s.board }

// Clock returns the current logical clock.
func (s *Sync) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Active reports whether the sync is started.
func (s *Sync) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnChange registers fn and returns its disposer.
func (s *Sync) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, changeListener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(l changeListener) bool { return l.id == id })
		})
	}
}

func (s *Sync) emit(c Change) {
	s.mu.Lock()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(c)
	}
}

// Start subscribes to the whiteboard topic and schedules the sync request.
func (s *Sync) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.subs.Add(room.SubscribeRemote(s.ch, protocol.TopicWhiteboard, s.onMessage))
	s.timer = time.AfterFunc(s.opts.SyncDelay, s.requestSync)
}

// Stop disposes the subscription and the pending sync request.
func (s *Sync) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	subs.Run()
}

func (s *Sync) requestSync() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	env := envelope{Type: TypeSyncRequest, Clock: s.clock}
	s.mu.Unlock()

	s.publish(env)
}

func (s *Sync) publish(env envelope) {
	if !s.Active() {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		util.LogError("marshal whiteboard %s: %v", env.Type, err)
		return
	}
	room.Send(s.ch, protocol.TopicWhiteboard, data, room.Reliable)
}

// tick advances the clock for a local mutation. Caller holds s.mu.
func (s *Sync) tick() uint64 {
	s.clock++
	return s.clock
}

// witness merges a remote clock. Caller holds s.mu.
func (s *Sync) witness(remote uint64) {
	s.clock = max(s.clock, remote)
}

// remove deletes id and remembers it. Caller holds s.mu.
func (s *Sync) remove(id string) {
	s.board.Remove(id)
	s.removed[id] = struct{}{}
}

// clear empties the board and remembers every id it held. Caller holds s.mu.
func (s *Sync) clear() {
	for _, e := range s.board.Elements() {
		s.removed[e.ID] = struct{}{}
	}
	s.board.Clear()
}

// wasRemoved reports whether id was removed here. Caller holds s.mu.
func (s *Sync) wasRemoved(id string) bool {
	_, ok := s.removed[id]
	return ok
}

// ---------------------------------------------------------------------------
// Local operations
// ---------------------------------------------------------------------------

// AddElement validates e, adds it to the board and broadcasts it.
func (s *Sync) AddElement(e Element) (Element, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	clean, err := s.opts.Validator.ValidateAndSanitize(e)
	if err != nil {
		return Element{}, err
	}

	s.mu.Lock()
	s.board.Add(clean)
	clock := s.tick()
	s.mu.Unlock()

	s.publish(envelope{Type: TypeStroke, Data: &clean, Clock: clock})
	s.emit(Change{Op: TypeStroke, ID: clean.ID, Origin: OriginLocal})
	return clean, nil
}

// RemoveElement removes the element with id and broadcasts the removal.
func (s *Sync) RemoveElement(id string) {
	s.mu.Lock()
	s.remove(id)
	clock := s.tick()
	s.mu.Unlock()

	s.publish(envelope{Type: TypeRemove, ID: id, Clock: clock})
	s.emit(Change{Op: TypeRemove, ID: id, Origin: OriginLocal})
}

// ClearBoard empties the board and broadcasts the clear.
func (s *Sync) ClearBoard() {
	s.mu.Lock()
	s.clear()
	clock := s.tick()
	s.mu.Unlock()

	s.publish(envelope{Type: TypeClear, Clock: clock})
	s.emit(Change{Op: TypeClear, Origin: OriginLocal})
}

// UpdateSticky replaces an existing sticky note and broadcasts the new
// version.
func (s *Sync) UpdateSticky(e Element) (Element, error) {
	cur, ok := s.board.Get(e.ID)
	if !ok {
		return Element{}, fmt.Errorf("%w: %s", ErrNotFound, e.ID)
	}
	if cur.Type != KindSticky || e.Type != KindSticky {
		return Element{}, fmt.Errorf("%w: %s", ErrNotSticky, e.ID)
	}
	clean, err := s.opts.Validator.ValidateAndSanitize(e)
	if err != nil {
		return Element{}, err
	}

	s.mu.Lock()
	s.board.Replace(clean)
	clock := s.tick()
	s.mu.Unlock()

	s.publish(envelope{Type: TypeUpdate, Data: &clean, Clock: clock})
	s.emit(Change{Op: TypeUpdate, ID: clean.ID, Origin: OriginLocal})
	return clean, nil
}

// ---------------------------------------------------------------------------
// Remote handling
// ---------------------------------------------------------------------------

func (s *Sync) onMessage(msg room.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		util.LogWarning("dropping malformed whiteboard message from %s: %v", msg.Sender, err)
		return
	}

	switch env.Type {
	case TypeStroke, TypeUpdate:
		s.onElement(msg.Sender, env)
	case TypeRemove:
		if env.ID == "" {
			util.LogWarning("dropping whiteboard remove without id from %s", msg.Sender)
			return
		}
		s.mu.Lock()
		s.remove(env.ID)
		s.witness(env.Clock)
		s.mu.Unlock()
		s.emit(Change{Op: TypeRemove, ID: env.ID, Origin: OriginRemoteApplied})
	case TypeClear:
		s.mu.Lock()
		s.clear()
		s.witness(env.Clock)
		s.mu.Unlock()
		s.emit(Change{Op: TypeClear, Origin: OriginRemoteApplied})
	case TypeSyncRequest:
		s.onSyncRequest(msg.Sender, env)
	case TypeSyncResponse:
		s.onSyncResponse(msg.Sender, env)
	default:
		util.LogWarning("dropping whiteboard message of unknown type %q from %s", env.Type, msg.Sender)
	}
}

func (s *Sync) onElement(sender string, env envelope) {
	if env.Data == nil {
		util.LogWarning("dropping whiteboard %s without data from %s", env.Type, sender)
		return
	}
	clean, err := s.opts.Validator.ValidateAndSanitize(*env.Data)
	if err != nil {
		util.LogWarning("dropping whiteboard %s from %s: %v", env.Type, sender, err)
		return
	}

	s.mu.Lock()
	s.board.Add(clean)
	s.witness(env.Clock)
	s.mu.Unlock()
	s.emit(Change{Op: env.Type, ID: clean.ID, Origin: OriginRemoteApplied})
}

func (s *Sync) onSyncRequest(sender string, env envelope) {
	s.mu.Lock()
	s.witness(env.Clock)
	elements := s.board.Elements()
	clock := s.clock
	s.mu.Unlock()

	if len(elements) == 0 {
		return
	}
	util.LogDebug("answering whiteboard sync request from %s with %d elements", sender, len(elements))
	s.publish(envelope{Type: TypeSyncResponse, Strokes: elements, Clock: clock})
}

func (s *Sync) onSyncResponse(sender string, env envelope) {
	elements := make([]Element, 0, len(env.Strokes))
	for _, e := range env.Strokes {
		clean, err := s.opts.Validator.ValidateAndSanitize(e)
		if err != nil {
			util.LogWarning("dropping element in whiteboard snapshot from %s: %v", sender, err)
			continue
		}
		elements = append(elements, clean)
	}

	s.mu.Lock()
	switch s.opts.Policy {
	case ReconcileLastResponse:
		s.board.Reset(elements)
	default:
		fresh := env.Clock >= s.clock
		n := s.board.Merge(elements, fresh, s.wasRemoved)
		util.LogDebug("merged %d of %d snapshot elements from %s (clock %d, local %d)",
			n, len(elements), sender, env.Clock, s.clock)
	}
	s.witness(env.Clock)
	s.mu.Unlock()

	s.emit(Change{Op: TypeSyncResponse, Origin: OriginRemoteApplied})
}

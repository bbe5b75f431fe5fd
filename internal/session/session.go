// Package session composes every synchronization mechanism on top of one
// shared channel.
package session

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/huddle/internal/awareness"
	"github.com/1ureka/huddle/internal/docsync"
	"github.com/1ureka/huddle/internal/presence"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
	"github.com/1ureka/huddle/internal/whiteboard"
)

// UserField is the awareness key carrying a participant's display info.
const UserField = "user"

// Options configures a Session. Zero values select package defaults.
type Options struct {
	Name             string
	DocSyncDelay     time.Duration
	BoardSyncDelay   time.Duration
	Policy           whiteboard.ReconcilePolicy
	Broadcaster      presence.BroadcasterOptions
	Tracker          presence.TrackerOptions
	ReactionInterval time.Duration
}

// Participant is one entry of the awareness roster.
type Participant struct {
	Identity string
	Name     string
	Color    string
	Self     bool
}

// Session owns the document, the whiteboard and the presence state of one
// participant.
type Session struct {
	ch room.Channel

	doc       *docsync.Document
	aw        *awareness.Awareness
	bridge    *docsync.Bridge
	board     *whiteboard.Board
	wb        *whiteboard.Sync
	cursor    *presence.Broadcaster
	tracker   *presence.Tracker
	reactions *presence.Reactions

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    room.Disposers
}

// New builds a session on ch. The channel identity must already be
// assigned.
func New(ch room.Channel, opts Options) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("session: nil channel")
	}
	identity := ch.Identity()
	if identity == "" {
		return nil, fmt.Errorf("session: %w", room.ErrNotReady)
	}

	doc, err := docsync.NewDocument()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = identity
	}
	aw := awareness.New(identity)
	aw.SetLocalField(UserField, map[string]any{
		"name":  name,
		"color": util.ColorForIdentity(identity),
	})

	board := whiteboard.NewBoard()
	return &Session{
		ch:        ch,
		doc:       doc,
		aw:        aw,
		bridge:    docsync.NewBridge(ch, doc, aw, docsync.Options{SyncDelay: opts.DocSyncDelay}),
		board:     board,
		wb:        whiteboard.NewSync(ch, board, whiteboard.Options{SyncDelay: opts.BoardSyncDelay, Policy: opts.Policy}),
		cursor:    presence.NewBroadcaster(ch, opts.Broadcaster),
		tracker:   presence.NewTracker(ch, opts.Tracker),
		reactions: presence.NewReactions(ch, opts.ReactionInterval),
	}, nil
}

func (s *Session) Identity() string                { return s.ch.Identity() }
func (s *Session) Document() *docsync.Document     { return s.doc }
func (s *Session) Bridge() *docsync.Bridge         { return s.bridge }
func (s *Session) Awareness() *awareness.Awareness { return s.aw }
func (s *Session) Board() *whiteboard.Board        { return s.board }
func (s *Session) Whiteboard() *whiteboard.Sync    { return s.wb }
func (s *Session) Cursor() *presence.Broadcaster   { return s.cursor }
func (s *Session) Tracker() *presence.Tracker      { return s.tracker }
func (s *Session) Reactions() *presence.Reactions  { return s.reactions }

// Start connects every component and runs the background sweepers until
// ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.bridge.Connect()
	s.subs.Add(s.bridge.Destroy)
	s.wb.Start()
	s.subs.Add(s.wb.Stop)
	s.tracker.Start()
	s.subs.Add(s.tracker.Stop)
	s.reactions.Start()
	s.subs.Add(s.reactions.Stop)
	s.subs.Add(s.cursor.Close)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.aw.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tracker.Run(ctx)
	}()

	util.LogDebug("session %s started", s.ch.Identity())
}

// Close tears every component down in reverse start order.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	subs.Run()
	s.wg.Wait()
}

// Participants lists the awareness roster sorted by name, self included.
func (s *Session) Participants() []Participant {
	self := s.ch.Identity()
	var out []Participant
	for id, st := range s.aw.States() {
		p := Participant{Identity: id, Self: id == self, Color: util.ColorForIdentity(id), Name: id}
		if user, ok := st[UserField].(map[string]any); ok {
			if name, ok := user["name"].(string); ok && name != "" {
				p.Name = name
			}
			if color, ok := user["color"].(string); ok && color != "" {
				p.Color = color
			}
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Participant) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.Identity, b.Identity))
	})
	return out
}

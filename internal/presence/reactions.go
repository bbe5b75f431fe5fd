package presence

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

const (
	// MaxEmojiRunes bounds a reaction; multi-codepoint emoji need several.
	MaxEmojiRunes = 8
	// DefaultReactionInterval spaces local reactions.
	DefaultReactionInterval = 250 * time.Millisecond
	reactionBurst           = 3
)

var (
	ErrInvalidEmoji = errors.New("invalid emoji")
	ErrRateLimited  = errors.New("reaction rate limited")
)

// Reaction is the payload published on TopicReactions.
type Reaction struct {
	Emoji string `json:"emoji"`
}

func validEmoji(s string) bool {
	n := utf8.RuneCountInString(s)
	return n > 0 && n <= MaxEmojiRunes && utf8.ValidString(s)
}

type reactionListener struct {
	id uint64
	fn func(sender, emoji string)
}

// Reactions sends and receives ephemeral emoji reactions.
type Reactions struct {
	ch      room.Channel
	limiter *rate.Limiter

	mu        sync.Mutex
	subs      room.Disposers
	listeners []reactionListener
	nextID    uint64
}

// NewReactions creates a Reactions allowing a short burst and then one
// reaction per interval. A zero interval means DefaultReactionInterval.
func NewReactions(ch room.Channel, interval time.Duration) *Reactions {
	if interval <= 0 {
		interval = DefaultReactionInterval
	}
	return &Reactions{
		ch:      ch,
		limiter: rate.NewLimiter(rate.Every(interval), reactionBurst),
	}
}

func (r *Reactions) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs.Add(room.SubscribeRemote(r.ch, protocol.TopicReactions, r.onReaction))
}

func (r *Reactions) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	subs.Run()
}

// OnReaction registers fn for remote reactions and returns its disposer.
func (r *Reactions) OnReaction(fn func(sender, emoji string)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, reactionListener{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listeners = slices.DeleteFunc(r.listeners, func(l reactionListener) bool { return l.id == id })
		})
	}
}

// Send publishes emoji.
func (r *Reactions) Send(emoji string) error {
	if !validEmoji(emoji) {
		return ErrInvalidEmoji
	}
	if !r.limiter.Allow() {
		return ErrRateLimited
	}
	data, err := json.Marshal(Reaction{Emoji: emoji})
	if err != nil {
		return err
	}
	room.Send(r.ch, protocol.TopicReactions, data, room.Lossy)
	return nil
}

func (r *Reactions) onReaction(msg room.Message) {
	var re Reaction
	if err := json.Unmarshal(msg.Payload, &re); err != nil || !validEmoji(re.Emoji) {
		util.LogDebug("dropping reaction from %s", msg.Sender)
		return
	}

	r.mu.Lock()
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, l := range ls {
		l.fn(msg.Sender, re.Emoji)
	}
}

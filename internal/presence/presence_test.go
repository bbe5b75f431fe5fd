package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

type sent struct {
	at  time.Time
	pos Position
}

type cursorLog struct {
	mu   sync.Mutex
	msgs []sent
}

func (l *cursorLog) handle(m room.Message) {
	var p Position
	json.Unmarshal(m.Payload, &p)
	l.mu.Lock()
	l.msgs = append(l.msgs, sent{at: time.Now(), pos: p})
	l.mu.Unlock()
}

func (l *cursorLog) snapshot() []sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sent(nil), l.msgs...)
}

func TestBurstCollapsesToLatest(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got cursorLog
	b.Subscribe(protocol.TopicCursor, got.handle)

	br := NewBroadcaster(a, BroadcasterOptions{})
	defer br.Close()
	for i := range 100 {
		br.Update(float64(i)/100, 0.5)
	}
	time.Sleep(100 * time.Millisecond)
	hub.Flush(time.Second)

	msgs := got.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d sends, want 1", len(msgs))
	}
	if msgs[0].pos != (Position{X: 0.99, Y: 0.5}) {
		t.Fatalf("sent %+v, want the last position", msgs[0].pos)
	}
}

func TestSendsAreSpaced(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got cursorLog
	b.Subscribe(protocol.TopicCursor, got.handle)

	br := NewBroadcaster(a, BroadcasterOptions{FrameInterval: 5 * time.Millisecond, MinInterval: 50 * time.Millisecond})
	defer br.Close()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		br.Update(0.1, 0.2)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	hub.Flush(time.Second)

	msgs := got.snapshot()
	if len(msgs) < 2 {
		t.Fatalf("expected several sends, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		// Allow scheduling slack on the receiving side.
		if gap := msgs[i].at.Sub(msgs[i-1].at); gap < 40*time.Millisecond {
			t.Fatalf("sends %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestBroadcasterClamps(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got cursorLog
	b.Subscribe(protocol.TopicCursor, got.handle)

	br := NewBroadcaster(a, BroadcasterOptions{FrameInterval: time.Millisecond})
	br.Update(-3, 7)
	time.Sleep(50 * time.Millisecond)
	hub.Flush(time.Second)
	br.Close()
	br.Update(0.5, 0.5)

	msgs := got.snapshot()
	if len(msgs) != 1 || msgs[0].pos != (Position{X: 0, Y: 1}) {
		t.Fatalf("unexpected sends %+v", msgs)
	}
}

func TestTrackerSweepAndLeave(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	self := hub.Join("self")
	p1 := hub.Join("p1")
	p2 := hub.Join("p2")
	defer self.Leave()
	defer p1.Leave()

	tr := NewTracker(self, TrackerOptions{})
	start := time.Now()
	clock := start
	var mu sync.Mutex
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	tr.Start()
	defer tr.Stop()

	p1.Publish(protocol.TopicCursor, []byte(`{"x":0.25,"y":0.75}`), room.Lossy)
	p2.Publish(protocol.TopicCursor, []byte(`{"x":0.5,"y":0.5}`), room.Lossy)
	p2.Publish(protocol.TopicCursor, []byte(`not json`), room.Lossy)
	hub.Flush(time.Second)

	cs := tr.Cursors()
	if len(cs) != 2 {
		t.Fatalf("got %d cursors, want 2", len(cs))
	}
	if c := cs["p1"]; c.X != 0.25 || c.Y != 0.75 || c.Color != util.ColorForIdentity("p1") {
		t.Fatalf("p1 cursor = %+v", c)
	}

	// p2 leaves: removed immediately.
	p2.Leave()
	hub.Flush(time.Second)
	if _, ok := tr.Cursors()["p2"]; ok {
		t.Fatal("departed cursor still present")
	}

	tr.Sweep(start.Add(2999 * time.Millisecond))
	if len(tr.Cursors()) != 1 {
		t.Fatal("cursor swept too early")
	}
	tr.Sweep(start.Add(DefaultStaleAfter))
	if len(tr.Cursors()) != 0 {
		t.Fatal("stale cursor survived the sweep")
	}
}

func TestTrackerRunSweeps(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	self := hub.Join("self")
	p1 := hub.Join("p1")
	defer self.Leave()
	defer p1.Leave()

	tr := NewTracker(self, TrackerOptions{StaleAfter: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	tr.Start()
	defer tr.Stop()

	swept := make(chan struct{}, 1)
	tr.OnChange(func() {
		if len(tr.Cursors()) == 0 {
			select {
			case swept <- struct{}{}:
			default:
			}
		}
	})

	p1.Publish(protocol.TopicCursor, []byte(`{"x":0.1,"y":0.2}`), room.Lossy)
	hub.Flush(time.Second)
	if len(tr.Cursors()) != 1 {
		t.Fatal("cursor not tracked")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never swept the stale cursor")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReactions(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	ra := NewReactions(a, time.Hour)
	rb := NewReactions(b, time.Hour)
	rb.Start()
	defer rb.Stop()

	var mu sync.Mutex
	var got []string
	rb.OnReaction(func(sender, emoji string) {
		mu.Lock()
		got = append(got, sender+":"+emoji)
		mu.Unlock()
	})

	if err := ra.Send(""); !errors.Is(err, ErrInvalidEmoji) {
		t.Fatalf("empty emoji: %v", err)
	}
	if err := ra.Send("this is not an emoji"); !errors.Is(err, ErrInvalidEmoji) {
		t.Fatalf("long emoji: %v", err)
	}
	for range reactionBurst {
		if err := ra.Send("🎉"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := ra.Send("🎉"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	a.Publish(protocol.TopicReactions, []byte(`{"emoji":""}`), room.Lossy)
	hub.Flush(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != reactionBurst || got[0] != "a:🎉" {
		t.Fatalf("received %v", got)
	}
}

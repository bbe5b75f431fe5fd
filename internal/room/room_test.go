package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// failingChannel is a Channel whose Publish always fails, used to verify that
// Send swallows transport errors.
type failingChannel struct {
	ready     bool
	published int
}

func (f *failingChannel) Identity() string { return "self" }
func (f *failingChannel) Ready() bool      { return f.ready }
func (f *failingChannel) Publish(string, []byte, Delivery) error {
	f.published++
	return errors.New("boom")
}
func (f *failingChannel) Subscribe(string, Handler) func() { return func() {} }
func (f *failingChannel) OnLeave(func(string)) func()      { return func() {} }

// collector gathers messages delivered to a handler.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(msg Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func TestSendSkipsWhenNotReady(t *testing.T) {
	ch := &failingChannel{ready: false}
	Send(ch, "topic", []byte("x"), Reliable)
	if ch.published != 0 {
		t.Fatalf("expected publish to be skipped, got %d calls", ch.published)
	}

	// A nil channel is treated as not ready.
	Send(nil, "topic", []byte("x"), Reliable)
}

func TestSendSwallowsPublishErrors(t *testing.T) {
	ch := &failingChannel{ready: true}
	Send(ch, "topic", []byte("x"), Lossy)
	if ch.published != 1 {
		t.Fatalf("expected exactly one publish attempt, got %d", ch.published)
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	reg := NewRegistry()
	var a, b collector

	unsubA := reg.Subscribe("t", a.handle)
	reg.Subscribe("t", b.handle)

	reg.Deliver(Message{Topic: "t", Payload: []byte("1")})
	unsubA()
	unsubA() // idempotent
	reg.Deliver(Message{Topic: "t", Payload: []byte("2")})

	if got := len(a.snapshot()); got != 1 {
		t.Errorf("a: got %d messages, want 1", got)
	}
	if got := len(b.snapshot()); got != 2 {
		t.Errorf("b: got %d messages, want 2", got)
	}
	if reg.Deliver(Message{Topic: "other"}) {
		t.Error("Deliver on a topic without subscribers should report false")
	}
	if reg.Len("t") != 1 {
		t.Errorf("Len: got %d, want 1", reg.Len("t"))
	}
}

func TestDisposersRunInReverse(t *testing.T) {
	var order []int
	var d Disposers
	for i := range 3 {
		d.Add(func() { order = append(order, i) })
	}
	d.Add(nil)
	d.Run()
	d.Run() // already emptied

	if fmt.Sprint(order) != "[2 1 0]" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestHubDeliversInOrderWithSender(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got collector
	b.Subscribe("t", got.handle)

	const n = 200
	for i := range n {
		if err := a.Publish("t", []byte(fmt.Sprint(i)), Reliable); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if !hub.Flush(5 * time.Second) {
		t.Fatal("hub did not go idle")
	}

	msgs := got.snapshot()
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if string(m.Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %q", i, m.Payload)
		}
		if m.Sender != "a" {
			t.Fatalf("message %d: sender %q, want a", i, m.Sender)
		}
	}
}

func TestHubDoesNotEchoToPublisher(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := hub.Join("a")
	defer a.Leave()

	var got collector
	a.Subscribe("t", got.handle)
	a.Publish("t", []byte("x"), Reliable)
	hub.Flush(time.Second)

	if len(got.snapshot()) != 0 {
		t.Fatal("publisher received its own message")
	}
}

func TestSubscribeRemoteIgnoresLoopback(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got collector
	SubscribeRemote(a, "t", got.handle)

	a.Inject(Message{Topic: "t", Sender: "a", Payload: []byte("echo")})
	b.Publish("t", []byte("remote"), Reliable)
	hub.Flush(time.Second)

	msgs := got.snapshot()
	if len(msgs) != 1 || string(msgs[0].Payload) != "remote" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestHubLossyDrop(t *testing.T) {
	hub := NewHub(HubOptions{LossyDropRate: 1})
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Leave()
	defer b.Leave()

	var got collector
	b.Subscribe("t", got.handle)

	a.Publish("t", []byte("lossy"), Lossy)
	a.Publish("t", []byte("reliable"), Reliable)
	hub.Flush(time.Second)

	msgs := got.snapshot()
	if len(msgs) != 1 || string(msgs[0].Payload) != "reliable" {
		t.Fatalf("expected only the reliable message, got %+v", msgs)
	}
}

func TestHubNotReadyAndLeave(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := hub.Join("a")
	b := hub.Join("b")
	defer b.Leave()

	a.SetReady(false)
	if err := a.Publish("t", nil, Reliable); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	a.SetReady(true)

	var left collector
	b.OnLeave(func(id string) { left.handle(Message{Sender: id}) })

	a.Leave()
	a.Leave()
	hub.Flush(time.Second)

	if a.Ready() {
		t.Error("endpoint should not be ready after Leave")
	}
	if err := a.Publish("t", nil, Reliable); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	msgs := left.snapshot()
	if len(msgs) != 1 || msgs[0].Sender != "a" {
		t.Fatalf("expected one departure of a, got %+v", msgs)
	}
	if ids := hub.Endpoints(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected endpoints %v", ids)
	}
}

// Package room defines the labeled publish/subscribe channel shared by every
// synchronization mechanism of a session: two delivery classes (reliable and
// lossy) and a sender identity attached to each received message.
package room

import (
	"errors"

	"github.com/1ureka/huddle/internal/util"
)

// Delivery selects the delivery class of a published message.
type Delivery uint8

const (
	// Reliable delivers in order to each receiver, with retransmission.
	Reliable Delivery = iota
	// Lossy delivers best-effort; messages may be dropped or reordered.
	Lossy
)

func (d Delivery) String() string {
	if d == Lossy {
		return "lossy"
	}
	return "reliable"
}

var (
	ErrNotReady = errors.New("channel not ready")
	ErrClosed   = errors.New("channel closed")
)

// Message is one inbound message, tagged with the sending participant.
type Message struct {
	Topic   string
	Sender  string
	Payload []byte
}

// Handler receives messages for a subscribed topic.
type Handler func(Message)

// Channel is the messaging primitive a session runs on.
//
// Subscriptions are scoped: Subscribe and OnLeave return a disposer that
// removes the registration and is safe to call more than once.
type Channel interface {
	// Identity returns the local participant identity.
	Identity() string

	// Ready reports whether sends can currently be attempted.
	Ready() bool

	// Publish sends payload to every other participant on topic.
	Publish(topic string, payload []byte, delivery Delivery) error

	// Subscribe registers fn for every message received on topic.
	Subscribe(topic string, fn Handler) (unsubscribe func())

	// OnLeave registers fn to be called with the identity of each
	// participant that explicitly leaves.
	OnLeave(fn func(identity string)) (unsubscribe func())
}

// Send publishes best-effort: a channel that is not ready is skipped
// silently, and publish failures are logged and swallowed. Nothing is ever
// surfaced to the caller.
func Send(ch Channel, topic string, payload []byte, delivery Delivery) {
	if ch == nil || !ch.Ready() {
		return
	}
	if err := ch.Publish(topic, payload, delivery); err != nil {
		util.LogWarning("publish on %q (%s) failed: %v", topic, delivery, err)
	}
}

// SubscribeRemote is Subscribe with loopback suppression: messages whose
// sender is the local identity are ignored.
func SubscribeRemote(ch Channel, topic string, fn Handler) (unsubscribe func()) {
	self := ch.Identity()
	return ch.Subscribe(topic, func(msg Message) {
		if msg.Sender == self {
			return
		}
		fn(msg)
	})
}

// Disposers collects teardown functions and runs them in reverse order.
type Disposers []func()

// Add appends fn; nil is ignored.
func (d *Disposers) Add(fn func()) {
	if fn != nil {
		*d = append(*d, fn)
	}
}

// Run invokes every disposer, last registered first, and empties the list.
func (d *Disposers) Run() {
	fns := *d
	*d = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

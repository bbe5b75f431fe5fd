package room

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// HubOptions tunes the in-process network simulated by a Hub.
type HubOptions struct {
	// LossyDropRate is the probability in [0, 1] that a Lossy message is
	// dropped for a given receiver. Reliable traffic is never dropped.
	LossyDropRate float64

	// Latency is applied before each delivery. Deliveries to one receiver
	// stay in publish order.
	Latency time.Duration
}

// Hub links Endpoints in-process. It stands in for the WebRTC mesh in tests
// and in the offline demo: every Endpoint is a Channel, publishes fan out to
// every other joined endpoint, and each receiver drains its own ordered
// queue on a dedicated goroutine.
type Hub struct {
	opts HubOptions

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	order     []string

	pending atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts:      opts,
		endpoints: make(map[string]*Endpoint),
	}
}

// Join creates a ready Endpoint for identity. Joining an identity twice
// returns the existing endpoint.
func (h *Hub) Join(identity string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.endpoints[identity]; ok {
		return e
	}

	e := &Endpoint{
		hub:      h,
		identity: identity,
		reg:      NewRegistry(),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	e.ready.Store(true)
	h.endpoints[identity] = e
	h.order = append(h.order, identity)

	go e.loop()
	return e
}

// Endpoints returns the identities currently joined, in join order.
func (h *Hub) Endpoints() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// Flush blocks until every queued delivery (including deliveries triggered by
// handlers while flushing) has completed, or timeout elapses. It reports
// whether the hub went idle.
func (h *Hub) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if h.pending.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *Hub) peers(except string) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Endpoint, 0, len(h.order))
	for _, id := range h.order {
		if id != except {
			out = append(out, h.endpoints[id])
		}
	}
	return out
}

func (h *Hub) remove(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[identity]; !ok {
		return false
	}
	delete(h.endpoints, identity)
	for i, id := range h.order {
		if id == identity {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Endpoint
// ---------------------------------------------------------------------------

// Endpoint is one participant's Channel on a Hub.
type Endpoint struct {
	hub      *Hub
	identity string
	reg      *Registry
	ready    atomic.Bool

	mu      sync.Mutex
	queue   []delivery
	drained bool
	signal  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// delivery is either a message or a departure notification.
type delivery struct {
	msg  Message
	left string
}

var _ Channel = (*Endpoint)(nil)

// Identity implements Channel.
func (e *Endpoint) Identity() string { return e.identity }

// Ready implements Channel.
func (e *Endpoint) Ready() bool {
	select {
	case <-e.done:
		return false
	default:
		return e.ready.Load()
	}
}

// SetReady toggles readiness, e.g. to simulate a channel still being set up.
func (e *Endpoint) SetReady(ready bool) { e.ready.Store(ready) }

// Publish implements Channel.
func (e *Endpoint) Publish(topic string, payload []byte, d Delivery) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if !e.ready.Load() {
		return ErrNotReady
	}

	for _, peer := range e.hub.peers(e.identity) {
		if d == Lossy && e.hub.opts.LossyDropRate > 0 && rand.Float64() < e.hub.opts.LossyDropRate {
			continue
		}
		data := append([]byte(nil), payload...)
		peer.enqueue(delivery{msg: Message{Topic: topic, Sender: e.identity, Payload: data}})
	}
	return nil
}

// Subscribe implements Channel.
func (e *Endpoint) Subscribe(topic string, fn Handler) func() {
	return e.reg.Subscribe(topic, fn)
}

// OnLeave implements Channel.
func (e *Endpoint) OnLeave(fn func(string)) func() {
	return e.reg.OnLeave(fn)
}

// Inject queues msg for local delivery as if it had arrived from msg.Sender.
// Tests use it to replay stale or malformed traffic.
func (e *Endpoint) Inject(msg Message) {
	e.enqueue(delivery{msg: msg})
}

// Leave detaches the endpoint from the hub and notifies every remaining
// participant. Messages already queued for this endpoint are discarded.
func (e *Endpoint) Leave() {
	e.closeOnce.Do(func() {
		if !e.hub.remove(e.identity) {
			return
		}
		close(e.done)
		for _, peer := range e.hub.peers(e.identity) {
			peer.enqueue(delivery{left: e.identity})
		}
	})
}

func (e *Endpoint) enqueue(d delivery) {
	select {
	case <-e.done:
		return
	default:
	}

	e.mu.Lock()
	if e.drained {
		e.mu.Unlock()
		return
	}
	e.hub.pending.Add(1)
	e.queue = append(e.queue, d)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// loop is the single delivery goroutine of the endpoint.
func (e *Endpoint) loop() {
	for {
		select {
		case <-e.signal:
		case <-e.done:
			e.drop()
			return
		}

		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			d := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			if lat := e.hub.opts.Latency; lat > 0 {
				time.Sleep(lat)
			}

			select {
			case <-e.done:
			default:
				if d.left != "" {
					e.reg.Leave(d.left)
				} else {
					e.reg.Deliver(d.msg)
				}
			}
			e.hub.pending.Add(-1)
		}
	}
}

// drop discards everything still queued once the endpoint has left.
func (e *Endpoint) drop() {
	e.mu.Lock()
	n := len(e.queue)
	e.queue = nil
	e.drained = true
	e.mu.Unlock()
	e.hub.pending.Add(int64(-n))
}

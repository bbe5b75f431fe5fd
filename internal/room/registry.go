package room

import "sync"

// Registry is the topic → handler route table behind a Channel
// implementation. Handlers are invoked outside the lock, in registration
// order, so a handler may subscribe, unsubscribe or publish freely.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]route
	leaves []leaveRoute
}

type route struct {
	id uint64
	fn Handler
}

type leaveRoute struct {
	id uint64
	fn func(string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[string][]route)}
}

// Subscribe adds fn to topic and returns its disposer.
func (r *Registry) Subscribe(topic string, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.topics[topic] = append(r.topics[topic], route{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			routes := r.topics[topic]
			for i, rt := range routes {
				if rt.id == id {
					r.topics[topic] = append(routes[:i:i], routes[i+1:]...)
					break
				}
			}
			if len(r.topics[topic]) == 0 {
				delete(r.topics, topic)
			}
		})
	}
}

// OnLeave adds a departure listener and returns its disposer.
func (r *Registry) OnLeave(fn func(string)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.leaves = append(r.leaves, leaveRoute{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, lr := range r.leaves {
				if lr.id == id {
					r.leaves = append(r.leaves[:i:i], r.leaves[i+1:]...)
					break
				}
			}
		})
	}
}

// Deliver routes msg to every handler of its topic. It returns false when the
// topic has no subscriber.
func (r *Registry) Deliver(msg Message) bool {
	r.mu.RLock()
	routes := append([]route(nil), r.topics[msg.Topic]...)
	r.mu.RUnlock()

	for _, rt := range routes {
		rt.fn(msg)
	}
	return len(routes) > 0
}

// Leave notifies every departure listener that identity left.
func (r *Registry) Leave(identity string) {
	r.mu.RLock()
	leaves := append([]leaveRoute(nil), r.leaves...)
	r.mu.RUnlock()

	for _, lr := range leaves {
		lr.fn(identity)
	}
}

// Len returns the number of handlers registered on topic.
func (r *Registry) Len(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

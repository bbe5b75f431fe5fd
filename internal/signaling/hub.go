package signaling

import (
	"context"
	"maps"
	"slices"

	"github.com/1ureka/huddle/internal/util"
)

// relayed is one inbound message together with the connection it came from.
type relayed struct {
	from *client
	msg  Message
}

// Hub owns every room. All room state is touched only by the Run goroutine.
type Hub struct {
	maxPeers int

	register   chan *client
	unregister chan *client
	relay      chan relayed
	quit       chan struct{}

	rooms map[string]map[string]*client
}

// NewHub creates a hub. maxPeers ≤ 0 means unlimited.
func NewHub(maxPeers int) *Hub {
	return &Hub{
		maxPeers:   maxPeers,
		register:   make(chan *client),
		unregister: make(chan *client),
		relay:      make(chan relayed),
		quit:       make(chan struct{}),
		rooms:      make(map[string]map[string]*client),
	}
}

// Run is the hub's single processing loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case c := <-h.register:
			h.join(c)
		case c := <-h.unregister:
			h.leave(c)
		case r := <-h.relay:
			h.forward(r)
		case <-ctx.Done():
			for _, members := range h.rooms {
				for _, c := range members {
					close(c.send)
				}
			}
			h.rooms = nil
			return
		}
	}
}

func (h *Hub) join(c *client) {
	members := h.rooms[c.room]
	if h.maxPeers > 0 && len(members) >= h.maxPeers {
		util.LogWarning("room %s is full, rejecting %s", c.room, c.id)
		c.trySend(&Message{Type: MsgTypeError, Error: "room is full"})
		close(c.send)
		return
	}
	if members == nil {
		members = make(map[string]*client)
		h.rooms[c.room] = members
		util.LogInfo("room %s created", c.room)
	}

	peers := slices.Sorted(maps.Keys(members))
	members[c.id] = c
	c.joined = true

	c.trySend(&Message{Type: MsgTypeWelcome, ID: c.id, Peers: peers})
	for _, other := range members {
		if other != c {
			other.trySend(&Message{Type: MsgTypePeerJoined, ID: c.id})
		}
	}
	util.LogInfo("%s joined room %s (%d present)", c.id, c.room, len(members))
}

func (h *Hub) leave(c *client) {
	if !c.joined {
		return
	}
	members := h.rooms[c.room]
	if members[c.id] != c {
		return
	}
	delete(members, c.id)
	close(c.send)
	c.joined = false

	if len(members) == 0 {
		delete(h.rooms, c.room)
		util.LogInfo("room %s deleted", c.room)
		return
	}
	for _, other := range members {
		other.trySend(&Message{Type: MsgTypePeerLeft, ID: c.id})
	}
	util.LogInfo("%s left room %s", c.id, c.room)
}

func (h *Hub) forward(r relayed) {
	if !r.from.joined {
		return
	}
	if !r.msg.Type.relayed() {
		util.LogWarning("unknown message type %q from %s", r.msg.Type, r.from.id)
		return
	}
	target := h.rooms[r.from.room][r.msg.To]
	if target == nil {
		r.from.trySend(&Message{Type: MsgTypeError, Error: "unknown peer " + r.msg.To})
		return
	}

	msg := r.msg
	msg.From = r.from.id
	target.trySend(&msg)
}

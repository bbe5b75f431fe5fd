package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrBadFragment is returned for fragments inconsistent with their message.
var ErrBadFragment = errors.New("bad fragment")

// maxPending caps the partially received messages kept per link.
const maxPending = 8

// SeqGen is an atomic generator of fragment sequence numbers.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number, starting at 1.
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Split cuts payload into frames of at most ChunkSize bytes each. Payloads
// that fit are returned as a single plain frame.
func Split(topic string, payload []byte, seq uint32) ([]*Frame, error) {
	if len(payload) <= ChunkSize {
		return []*Frame{{Topic: topic, Payload: payload}}, nil
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d byte payload on %q (max %d)", ErrFrameTooLarge, len(payload), topic, MaxMessageSize)
	}

	parts := uint32((len(payload) + ChunkSize - 1) / ChunkSize)
	frames := make([]*Frame, 0, parts)
	for i := uint32(0); i < parts; i++ {
		lo := int(i) * ChunkSize
		hi := min(lo+ChunkSize, len(payload))
		frames = append(frames, &Frame{Topic: topic, Payload: payload[lo:hi], Seq: seq, Part: i, Parts: parts})
	}
	return frames, nil
}

type partial struct {
	topic string
	parts [][]byte
	got   uint32
	size  int
}

// Reassembler rebuilds fragmented payloads received from one peer. Parts
// may arrive in any order; duplicates are ignored.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint32]*partial
	order   []uint32
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint32]*partial)}
}

// Feed stores f and returns the whole frame once its last part arrives.
// Unfragmented frames are returned as they are.
func (r *Reassembler) Feed(f *Frame) (*Frame, error) {
	if !f.Fragmented() {
		return f, nil
	}
	if f.Part >= f.Parts || int(f.Parts) > MaxMessageSize/ChunkSize+1 || len(f.Payload) > ChunkSize {
		return nil, fmt.Errorf("%w: part %d/%d of message %d", ErrBadFragment, f.Part, f.Parts, f.Seq)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[f.Seq]
	if !ok {
		if len(r.order) == maxPending {
			// Oldest incomplete message is abandoned.
			delete(r.pending, r.order[0])
			r.order = r.order[1:]
		}
		p = &partial{topic: f.Topic, parts: make([][]byte, f.Parts)}
		r.pending[f.Seq] = p
		r.order = append(r.order, f.Seq)
	}
	if int(f.Parts) != len(p.parts) || f.Topic != p.topic {
		r.forget(f.Seq)
		return nil, fmt.Errorf("%w: message %d changed shape", ErrBadFragment, f.Seq)
	}
	if p.parts[f.Part] != nil {
		return nil, nil
	}

	p.parts[f.Part] = f.Payload
	p.got++
	p.size += len(f.Payload)
	if p.got < uint32(len(p.parts)) {
		return nil, nil
	}

	r.forget(f.Seq)
	payload := make([]byte, 0, p.size)
	for _, part := range p.parts {
		payload = append(payload, part...)
	}
	return &Frame{Topic: p.topic, Payload: payload}, nil
}

// Pending returns the number of incomplete messages held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reassembler) forget(seq uint32) {
	delete(r.pending, seq)
	for i, s := range r.order {
		if s == seq {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

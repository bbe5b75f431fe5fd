// Package docsync keeps a local CRDT text document consistent with the copies
// held by the other participants of a session.
package docsync

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// Origin tags every document update with who produced it. The bridge only
// re-publishes OriginLocal updates.
type Origin uint8

const (
	OriginLocal         Origin = iota // edit made through this Document
	OriginRemoteApplied               // update or snapshot applied by the bridge
)

func (o Origin) String() string {
	if o == OriginRemoteApplied {
		return "remote-applied"
	}
	return "local"
}

const (
	textKey      = "content"
	genesisActor = "00"
)

// genesisTime is fixed so that every participant produces a byte-identical
// genesis change and therefore the same text object id.
var genesisTime = time.Unix(0, 0).UTC()

type updateListener struct {
	id uint64
	fn func(update []byte, origin Origin)
}

// Document wraps an automerge document holding a single text object.
// Every mutation produces a binary incremental update that is handed to the
// registered listeners together with its Origin.
type Document struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	listeners []updateListener
	nextID    uint64
}

// NewDocument creates an empty document.
func NewDocument() (*Document, error) {
	doc := automerge.New()
	actor := doc.ActorID()

	// Build the shared genesis change under a fixed actor.
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("set genesis actor: %w", err)
	}
	if err := doc.Path(textKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create text: %w", err)
	}
	if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("commit genesis: %w", err)
	}
	if err := doc.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("restore actor: %w", err)
	}

	// Genesis is never broadcast; everyone already has it.
	doc.SaveIncremental()

	return &Document{doc: doc}, nil
}

// Actor returns the automerge actor id of the local replica.
func (d *Document) Actor() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// OnUpdate registers fn and returns its disposer.
func (d *Document) OnUpdate(fn func(update []byte, origin Origin)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, updateListener{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.listeners = slices.DeleteFunc(d.listeners, func(l updateListener) bool { return l.id == id })
		})
	}
}

func (d *Document) emit(update []byte, origin Origin) {
	d.mu.Lock()
	ls := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, l := range ls {
		l.fn(update, origin)
	}
}

// Text returns the current document text.
func (d *Document) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Path(textKey).Text().Get()
}

// Len returns the length of the text.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Path(textKey).Text().Len()
}

// Splice deletes del characters at pos and inserts s there, commits the
// change and publishes the resulting minimal delta to listeners.
func (d *Document) Splice(pos, del int, s string) error {
	d.mu.Lock()
	text := d.doc.Path(textKey).Text()
	if err := text.Splice(pos, del, s); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("splice at %d: %w", pos, err)
	}
	if _, err := d.doc.Commit("edit"); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("commit edit: %w", err)
	}
	update := d.doc.SaveIncremental()
	d.mu.Unlock()

	if len(update) > 0 {
		d.emit(update, OriginLocal)
	}
	return nil
}

// Insert inserts s at pos.
func (d *Document) Insert(pos int, s string) error {
	return d.Splice(pos, 0, s)
}

// Delete removes n characters starting at pos.
func (d *Document) Delete(pos, n int) error {
	return d.Splice(pos, n, "")
}

// Append inserts s at the end of the text.
func (d *Document) Append(s string) error {
	return d.Splice(d.Len(), 0, s)
}

// Snapshot serializes the entire document state.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// ApplyUpdate applies a binary incremental update received from a peer.
// Applying the same update twice is harmless.
func (d *Document) ApplyUpdate(update []byte, origin Origin) error {
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("apply update (%d bytes): %w", len(update), err)
	}
	// Advance the incremental marker so the next local delta stays minimal.
	d.doc.SaveIncremental()
	d.mu.Unlock()

	d.emit(update, origin)
	return nil
}

// ApplySnapshot merges a full snapshot produced by Snapshot. Merging the
// same snapshot again is a no-op on the document contents.
func (d *Document) ApplySnapshot(snapshot []byte, origin Origin) error {
	other, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("load snapshot (%d bytes): %w", len(snapshot), err)
	}

	d.mu.Lock()
	if _, err := d.doc.Merge(other); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("merge snapshot: %w", err)
	}
	d.doc.SaveIncremental()
	d.mu.Unlock()

	d.emit(snapshot, origin)
	return nil
}

// Heads returns the number of heads of the change graph; 1 means every
// known change is causally ordered.
func (d *Document) Heads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.doc.Heads())
}

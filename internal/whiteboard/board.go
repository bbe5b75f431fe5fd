package whiteboard

import (
	"slices"
	"sync"
)

// Board is the session-owned element list. Ids are unique within it.
type Board struct {
	mu       sync.RWMutex
	elements []Element
}

func NewBoard() *Board {
	return &Board{}
}

// Add appends e, or replaces the element with the same id in place.
func (b *Board) Add(e Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(e.Clone())
}

func (b *Board) put(e Element) {
	if i := b.index(e.ID); i >= 0 {
		b.elements[i] = e
		return
	}
	b.elements = append(b.elements, e)
}

func (b *Board) index(id string) int {
	return slices.IndexFunc(b.elements, func(e Element) bool { return e.ID == id })
}

// Remove deletes the element with id and reports whether it existed.
func (b *Board) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.elements)
	b.elements = slices.DeleteFunc(b.elements, func(e Element) bool { return e.ID == id })
	return len(b.elements) != n
}

// Clear empties the board.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements = nil
}

// Replace swaps the element with the same id for e. It reports false when
// no such element exists.
func (b *Board) Replace(e Element) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(e.ID)
	if i < 0 {
		return false
	}
	b.elements[i] = e.Clone()
	return true
}

// Reset replaces the whole list. Later duplicates of an id overwrite
// earlier ones.
func (b *Board) Reset(elements []Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements = nil
	for _, e := range elements {
		b.put(e.Clone())
	}
}

// Merge adds every element of elements whose id is not on the board and
// not rejected by skip. With overwrite, elements already present are
// replaced by the incoming version; otherwise the local one is kept. It
// returns the number of elements added or replaced.
func (b *Board) Merge(elements []Element, overwrite bool, skip func(id string) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range elements {
		if skip != nil && skip(e.ID) {
			continue
		}
		if b.index(e.ID) >= 0 && !overwrite {
			continue
		}
		b.put(e.Clone())
		n++
	}
	return n
}

// Get returns a copy of the element with id.
func (b *Board) Get(id string) (Element, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.index(id); i >= 0 {
		return b.elements[i].Clone(), true
	}
	return Element{}, false
}

// Elements returns a copy of the list in insertion order.
func (b *Board) Elements() []Element {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Element, len(b.elements))
	for i, e := range b.elements {
		out[i] = e.Clone()
	}
	return out
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.elements)
}

package h264

import "container/list"

// MaxContexts bounds how many rectangle positions keep a live encode
// context simultaneously, per the protocol's fixed context-table size.
const MaxContexts = 64

// Slot identifies a rectangle by its on-screen position and size;
// a moved or resized rectangle is a different Slot and gets its own
// context (forcing a keyframe on first use).
type Slot struct {
	X, Y, W, H int
}

// LRU bounds live Contexts to MaxContexts entries, evicting the
// least-recently-used slot when a new one would exceed the cap. An
// evicted context's slot must emit a keyframe the next time it
// reappears, since its reference frame is gone.
type LRU struct {
	cap   int
	ll    *list.List
	index map[Slot]*list.Element
}

type entry struct {
	slot Slot
	ctx  *Context
}

func NewLRU() *LRU {
	return &LRU{cap: MaxContexts, ll: list.New(), index: make(map[Slot]*list.Element)}
}

// Get returns the context for slot, creating one (sized to the slot)
// if it doesn't exist, evicting the least-recently-used entry first
// if the table is full.
func (l *LRU) Get(slot Slot) *Context {
	if el, ok := l.index[slot]; ok {
		l.ll.MoveToFront(el)
		return el.Value.(*entry).ctx
	}
	if l.ll.Len() >= l.cap {
		l.evictOldest()
	}
	ctx := NewContext(slot.W, slot.H)
	el := l.ll.PushFront(&entry{slot: slot, ctx: ctx})
	l.index[slot] = el
	return ctx
}

func (l *LRU) evictOldest() {
	oldest := l.ll.Back()
	if oldest == nil {
		return
	}
	l.ll.Remove(oldest)
	delete(l.index, oldest.Value.(*entry).slot)
}

// ResetContext drops slot's context; its next Get rebuilds it fresh
// (forcing a keyframe), per the protocol's per-rectangle reset flag.
func (l *LRU) ResetContext(slot Slot) {
	if el, ok := l.index[slot]; ok {
		l.ll.Remove(el)
		delete(l.index, slot)
	}
}

// ResetAll drops every context, per the protocol's connection-wide
// reset flag (sent e.g. after a pixel format change).
func (l *LRU) ResetAll() {
	l.ll.Init()
	l.index = make(map[Slot]*list.Element)
}

func (l *LRU) Len() int { return l.ll.Len() }

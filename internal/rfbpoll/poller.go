// Package rfbpoll centralizes the bookkeeping half of a cooperative
// dispatch loop: exactly one goroutine decides what happened and what
// to do about it. net.Conn gives no portable way to multiplex reads
// from many connections on one goroutine (unlike a C select() loop
// over raw fds), so each Session still gets a small pump goroutine
// that does nothing but block on its next DispatchOne step; every
// other decision — eviction, logging, timer firing — happens on
// whichever goroutine reads from Exits.
package rfbpoll

import (
	"context"
	"sync"
)

// Session is the narrow surface the poller drives: one blocking
// dispatch step at a time, returning a fatal error when the session
// is done.
type Session interface {
	DispatchOne(ctx context.Context) error
}

// Exit reports that a Session's pump goroutine stopped, and why.
type Exit struct {
	ID  uint64
	Err error
}

// Poller tracks a set of Sessions and reports exits on a channel a
// caller's own select loop can merge with its other event sources.
type Poller struct {
	mu       sync.Mutex
	sessions map[uint64]context.CancelFunc
	next     uint64
	exits    chan Exit
}

// New builds an empty Poller.
func New() *Poller {
	return &Poller{
		sessions: make(map[uint64]context.CancelFunc),
		exits:    make(chan Exit, 64),
	}
}

// Add registers s and starts its pump goroutine, returning an id the
// caller can later pass to Remove.
func (p *Poller) Add(ctx context.Context, s Session) uint64 {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	id := p.next
	p.next++
	p.sessions[id] = cancel
	p.mu.Unlock()

	go p.pump(ctx, id, s)
	return id
}

func (p *Poller) pump(ctx context.Context, id uint64, s Session) {
	for {
		if err := s.DispatchOne(ctx); err != nil {
			p.exits <- Exit{ID: id, Err: err}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Remove cancels and forgets a session; a no-op if already removed.
func (p *Poller) Remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.sessions[id]; ok {
		cancel()
		delete(p.sessions, id)
	}
}

// Count returns the number of sessions currently tracked.
func (p *Poller) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Exits is the channel a cooperative dispatch loop selects on to learn
// which session stopped.
func (p *Poller) Exits() <-chan Exit { return p.exits }

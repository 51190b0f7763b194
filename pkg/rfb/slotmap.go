package rfb

import (
	"sync"

	"github.com/google/uuid"
)

// slotMap owns every live Client, keyed by a stable uuid instead of
// the cyclic ClientState<->ServerContext pointers the source used.
// The per-client goroutines and the timer service callbacks hold the
// *Client itself; the map only indexes the live set.
type slotMap struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Client
}

func newSlotMap() *slotMap {
	return &slotMap{byID: make(map[uuid.UUID]*Client)}
}

func (m *slotMap) put(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.id] = c
}

func (m *slotMap) get(id uuid.UUID) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

func (m *slotMap) delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// each calls fn for every live client, under a read lock for the
// duration of the snapshot (not for the call itself, so fn may block
// without starving new Accepts).
func (m *slotMap) each(fn func(*Client)) {
	m.mu.RLock()
	snapshot := make([]*Client, 0, len(m.byID))
	for _, c := range m.byID {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()
	for _, c := range snapshot {
		fn(c)
	}
}

func (m *slotMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

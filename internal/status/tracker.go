package status

import (
	"cmp"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/histcache/internal/bus"
)

// Tracker registers the syncs currently running in the daemon.
type Tracker struct {
	mu     sync.Mutex
	bus    *bus.Bus
	active map[string]*Machine
}

// NewTracker creates an empty tracker publishing to b.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{bus: b, active: make(map[string]*Machine)}
}

// Start registers a new sync for a conversation and returns its machine.
func (t *Tracker) Start(conversationID int64) *Machine {
	m := NewMachine(t.bus, uuid.NewString(), conversationID)
	t.mu.Lock()
	t.active[m.ID()] = m
	t.mu.Unlock()
	return m
}

// Finish unregisters a sync.
func (t *Tracker) Finish(m *Machine) {
	t.mu.Lock()
	delete(t.active, m.ID())
	t.mu.Unlock()
}

// Active returns snapshots of every running sync, oldest first.
func (t *Tracker) Active() []Snapshot {
	t.mu.Lock()
	out := make([]Snapshot, 0, len(t.active))
	for _, m := range t.active {
		out = append(out, m.Snapshot())
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
	return out
}

// Package status tracks the phase of each running sync and publishes phase
// changes on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/histcache/internal/bus"
)

// Phase is a step of one sync.
type Phase string

const (
	Pending  Phase = "PENDING"
	Coverage Phase = "COVERAGE"
	Timeline Phase = "TIMELINE"
	Segments Phase = "SEGMENTS"
	Flush    Phase = "FLUSH"
	Done     Phase = "DONE"
	Failed   Phase = "FAILED"
	Canceled Phase = "CANCELED"
)

// validTransitions defines allowed phase transitions. A forced refresh skips
// straight from Pending to Segments.
var validTransitions = map[Phase][]Phase{
	Pending:  {Coverage, Segments, Failed, Canceled},
	Coverage: {Timeline, Failed, Canceled},
	Timeline: {Segments, Failed, Canceled},
	Segments: {Flush, Failed, Canceled},
	Flush:    {Done, Failed, Canceled},
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == Done || p == Failed || p == Canceled
}

// Machine tracks and enforces the phase transitions of one sync.
type Machine struct {
	mu             sync.RWMutex
	id             string
	conversationID int64
	started        time.Time
	current        Phase
	items          int
	bus            *bus.Bus
}

// NewMachine creates a machine in Pending. A nil bus disables events.
func NewMachine(b *bus.Bus, id string, conversationID int64) *Machine {
	return &Machine{
		id:             id,
		conversationID: conversationID,
		started:        time.Now(),
		current:        Pending,
		bus:            b,
	}
}

// ID returns the sync id.
func (m *Machine) ID() string { return m.id }

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AddItems counts items delivered to the caller.
func (m *Machine) AddItems(n int) {
	m.mu.Lock()
	m.items += n
	m.mu.Unlock()
}

// Transition attempts to move to a new phase. Returns error if the transition
// is invalid.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindPhaseChanged,
			Timestamp: time.Now(),
			Payload: PhaseChange{
				SyncID:         m.id,
				ConversationID: m.conversationID,
				From:           from,
				To:             to,
				Items:          m.items,
			},
		})
	}
	return nil
}

// Snapshot returns a point-in-time view of the sync.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		SyncID:         m.id,
		ConversationID: m.conversationID,
		Phase:          m.current,
		Started:        m.started,
		Items:          m.items,
	}
}

// PhaseChange is the payload for phase change events.
type PhaseChange struct {
	SyncID         string
	ConversationID int64
	From           Phase
	To             Phase
	Items          int
}

// Snapshot describes a sync in progress.
type Snapshot struct {
	SyncID         string
	ConversationID int64
	Phase          Phase
	Started        time.Time
	Items          int
}

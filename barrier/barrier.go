// Package barrier implements per-phase rendezvous points. A barrier opens
// with a snapshot of the active agents, collects idempotent acknowledgements,
// and either releases when every required agent acked or times out at its
// deadline. A timed-out barrier is never retried; the coordinator proceeds
// with whoever acked and records the stragglers.
package barrier

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is a barrier's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusReleased Status = "released"
	StatusTimedOut Status = "timed_out"
)

// DefaultDeadline is the default time allowed for all participants to ack.
const DefaultDeadline = 120 * time.Second

type (
	// Barrier is one phase-transition rendezvous.
	Barrier struct {
		ID         string
		PhaseIndex int
		Deadline   time.Time
		Status     Status

		required map[string]bool
		acked    map[string]bool
	}

	// Manager tracks session barriers. Not safe for concurrent use; the
	// coordinator serializes access.
	Manager struct {
		barriers map[string]*Barrier
		byPhase  map[int]string
	}
)

// NewManager creates an empty barrier manager.
func NewManager() *Manager {
	return &Manager{
		barriers: make(map[string]*Barrier),
		byPhase:  make(map[int]string),
	}
}

// Open creates a barrier for the phase with the given participant snapshot.
// A phase gets at most one barrier, ever: reopening a phase whose barrier
// already exists returns the existing ID.
func (m *Manager) Open(phaseIndex int, participants []string, deadline time.Time) string {
	if id, ok := m.byPhase[phaseIndex]; ok {
		return id
	}
	b := &Barrier{
		ID:         uuid.New().String(),
		PhaseIndex: phaseIndex,
		Deadline:   deadline,
		Status:     StatusOpen,
		required:   make(map[string]bool, len(participants)),
		acked:      make(map[string]bool),
	}
	for _, p := range participants {
		b.required[p] = true
	}
	m.barriers[b.ID] = b
	m.byPhase[phaseIndex] = b.ID
	return b.ID
}

// Get returns the barrier with the given ID, or nil.
func (m *Manager) Get(id string) *Barrier {
	return m.barriers[id]
}

// ForPhase returns the barrier opened for the phase, or nil.
func (m *Manager) ForPhase(phaseIndex int) *Barrier {
	if id, ok := m.byPhase[phaseIndex]; ok {
		return m.barriers[id]
	}
	return nil
}

// Ack records an acknowledgement. Idempotent; acks from agents outside the
// participant snapshot are recorded but do not gate release. When every
// required agent acked, the barrier transitions to released.
func (m *Manager) Ack(id, agentID string) error {
	b, ok := m.barriers[id]
	if !ok {
		return fmt.Errorf("ack unknown barrier %s", id)
	}
	if b.Status != StatusOpen {
		return nil
	}
	b.acked[agentID] = true
	if b.allAcked() {
		b.Status = StatusReleased
	}
	return nil
}

// Status returns the barrier's state.
func (m *Manager) Status(id string) (Status, error) {
	b, ok := m.barriers[id]
	if !ok {
		return "", fmt.Errorf("unknown barrier %s", id)
	}
	return b.Status, nil
}

// Release forces the barrier to released.
func (m *Manager) Release(id string) error {
	b, ok := m.barriers[id]
	if !ok {
		return fmt.Errorf("release unknown barrier %s", id)
	}
	if b.Status == StatusOpen {
		b.Status = StatusReleased
	}
	return nil
}

// RemoveParticipant drops an agent from every open barrier's requirement
// set, as happens when the agent goes down. Removal may complete a barrier
// whose remaining participants all acked.
func (m *Manager) RemoveParticipant(agentID string) {
	for _, b := range m.barriers {
		if b.Status != StatusOpen {
			continue
		}
		delete(b.required, agentID)
		if b.allAcked() {
			b.Status = StatusReleased
		}
	}
}

// Expire transitions open barriers past their deadline to timed_out and
// returns them so the coordinator can record stragglers.
func (m *Manager) Expire(now time.Time) []*Barrier {
	var out []*Barrier
	for _, b := range m.barriers {
		if b.Status == StatusOpen && now.After(b.Deadline) {
			b.Status = StatusTimedOut
			out = append(out, b)
		}
	}
	return out
}

// Required returns the sorted requirement snapshot.
func (b *Barrier) Required() []string {
	return sortedKeys(b.required)
}

// Acked returns the sorted acknowledged set.
func (b *Barrier) Acked() []string {
	return sortedKeys(b.acked)
}

// Stragglers returns required agents that have not acked, sorted.
func (b *Barrier) Stragglers() []string {
	var out []string
	for id := range b.required {
		if !b.acked[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Barrier) allAcked() bool {
	for id := range b.required {
		if !b.acked[id] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package objective models the shared goal a Power Mode session executes:
// the phase sequence, success criteria, boundaries, and lifecycle. The
// coordinator is the single writer; everyone else sees serialized snapshots
// published to the store, so observers always see a monotonic phase index.
package objective

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle names the objective's coarse state.
type Lifecycle string

const (
	LifecycleDraft     Lifecycle = "draft"
	LifecycleRunning   Lifecycle = "running"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleFailed    Lifecycle = "failed"
	LifecycleCancelled Lifecycle = "cancelled"
)

var (
	// ErrObjectiveComplete is returned by Advance when the final phase is
	// already active.
	ErrObjectiveComplete = errors.New("objective complete")
	// ErrBarrierOpen is returned by Advance when the current phase's barrier
	// has not been released or timed out.
	ErrBarrierOpen = errors.New("barrier open")
	// ErrNotRunning is returned by mutations on a terminal objective.
	ErrNotRunning = errors.New("objective not running")
)

type (
	// CriterionStatus is the state of one success criterion.
	CriterionStatus string

	// Criterion is a textual success predicate.
	Criterion struct {
		Description string          `json:"description"`
		Status      CriterionStatus `json:"status"`
	}

	// Boundaries limit what agents may touch and which tools they may use.
	Boundaries struct {
		// AllowedPaths are file globs agents may modify.
		AllowedPaths []string `json:"allowed_paths,omitempty"`
		// ForbiddenTools are tool names agents must not invoke.
		ForbiddenTools []string `json:"forbidden_tools,omitempty"`
	}

	// Objective is the session's shared goal. It is owned by the
	// coordinator; all methods assume a single writer.
	Objective struct {
		SessionID         string      `json:"session_id"`
		Description       string      `json:"description"`
		Criteria          []Criterion `json:"criteria"`
		Phases            []string    `json:"phases"`
		CurrentPhaseIndex int         `json:"current_phase_index"`
		Boundaries        Boundaries  `json:"boundaries"`
		Lifecycle         Lifecycle   `json:"lifecycle"`
		CreatedAt         time.Time   `json:"created_at"`
		UpdatedAt         time.Time   `json:"updated_at"`

		// clearedBarriers records phases whose barrier was released or timed
		// out, gating Advance.
		clearedBarriers map[int]bool
	}
)

const (
	CriterionPending CriterionStatus = "pending"
	CriterionMet     CriterionStatus = "met"
)

// New creates a draft objective with a fresh session identity. Phases must
// be non-empty.
func New(description string, criteria []string, phases []string, boundaries Boundaries) (*Objective, error) {
	if len(phases) == 0 {
		return nil, errors.New("at least one phase is required")
	}
	now := time.Now().UTC()
	cs := make([]Criterion, len(criteria))
	for i, c := range criteria {
		cs[i] = Criterion{Description: c, Status: CriterionPending}
	}
	return &Objective{
		SessionID:       uuid.New().String(),
		Description:     description,
		Criteria:        cs,
		Phases:          phases,
		Boundaries:      boundaries,
		Lifecycle:       LifecycleDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
		clearedBarriers: make(map[int]bool),
	}, nil
}

// Start transitions draft → running.
func (o *Objective) Start() error {
	if o.Lifecycle != LifecycleDraft {
		return fmt.Errorf("start from %s: %w", o.Lifecycle, ErrNotRunning)
	}
	o.Lifecycle = LifecycleRunning
	o.touch()
	return nil
}

// CurrentPhase returns the active phase name.
func (o *Objective) CurrentPhase() string {
	return o.Phases[o.CurrentPhaseIndex]
}

// ClearBarrier records that the barrier for the given phase was released or
// timed out, allowing Advance past it.
func (o *Objective) ClearBarrier(phaseIndex int) {
	if o.clearedBarriers == nil {
		o.clearedBarriers = make(map[int]bool)
	}
	o.clearedBarriers[phaseIndex] = true
}

// Advance moves to the next phase. It fails with ErrBarrierOpen when the
// current phase's barrier has not been cleared, and with
// ErrObjectiveComplete when the final phase is already active. The phase
// index is monotonic non-decreasing: no operation ever moves it backwards.
func (o *Objective) Advance() (int, error) {
	if o.Lifecycle != LifecycleRunning {
		return o.CurrentPhaseIndex, fmt.Errorf("advance in %s: %w", o.Lifecycle, ErrNotRunning)
	}
	if !o.clearedBarriers[o.CurrentPhaseIndex] {
		return o.CurrentPhaseIndex, fmt.Errorf("phase %d: %w", o.CurrentPhaseIndex, ErrBarrierOpen)
	}
	if o.CurrentPhaseIndex >= len(o.Phases)-1 {
		return o.CurrentPhaseIndex, ErrObjectiveComplete
	}
	o.CurrentPhaseIndex++
	o.touch()
	return o.CurrentPhaseIndex, nil
}

// MarkCriterion sets the status of the criterion at index i.
func (o *Objective) MarkCriterion(i int, met bool) error {
	if i < 0 || i >= len(o.Criteria) {
		return fmt.Errorf("criterion index %d out of range", i)
	}
	if met {
		o.Criteria[i].Status = CriterionMet
	} else {
		o.Criteria[i].Status = CriterionPending
	}
	o.touch()
	return nil
}

// AllCriteriaMet reports whether every success criterion is met.
func (o *Objective) AllCriteriaMet() bool {
	for _, c := range o.Criteria {
		if c.Status != CriterionMet {
			return false
		}
	}
	return true
}

// Complete transitions running → completed.
func (o *Objective) Complete() error {
	return o.finish(LifecycleCompleted)
}

// Fail transitions running → failed.
func (o *Objective) Fail() error {
	return o.finish(LifecycleFailed)
}

// Cancel transitions running → cancelled.
func (o *Objective) Cancel() error {
	return o.finish(LifecycleCancelled)
}

// Terminal reports whether the objective reached a terminal lifecycle state.
func (o *Objective) Terminal() bool {
	switch o.Lifecycle {
	case LifecycleCompleted, LifecycleFailed, LifecycleCancelled:
		return true
	}
	return false
}

// Serialize renders the objective as JSON for publication under
// pop:objective.
func (o *Objective) Serialize() ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("serialize objective: %w", err)
	}
	return b, nil
}

// Deserialize parses an objective snapshot. Cleared-barrier bookkeeping is
// not part of the snapshot; a takeover coordinator re-derives it from the
// barrier records.
func Deserialize(b []byte) (*Objective, error) {
	var o Objective
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("deserialize objective: %w", err)
	}
	if len(o.Phases) == 0 {
		return nil, errors.New("deserialize objective: empty phases")
	}
	o.clearedBarriers = make(map[int]bool)
	return &o, nil
}

func (o *Objective) finish(l Lifecycle) error {
	if o.Lifecycle != LifecycleRunning {
		return fmt.Errorf("finish from %s: %w", o.Lifecycle, ErrNotRunning)
	}
	o.Lifecycle = l
	o.touch()
	return nil
}

func (o *Objective) touch() {
	o.UpdatedAt = time.Now().UTC()
}

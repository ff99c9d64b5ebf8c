// Package guardrail enforces session boundaries: protected paths, forbidden
// tools, drift detection, and the three-strike escalation that pauses an
// agent until a human acknowledges. Violations are never surfaced as errors;
// every check returns a verdict the coordinator converts into
// COURSE_CORRECT, DRIFT_ALERT, or HUMAN_ESCALATE messages.
package guardrail

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"goa.design/powermode/message"
)

const (
	// DefaultDriftWindow is how many recent check-ins feed the drift
	// computation.
	DefaultDriftWindow = 5
	// DefaultDriftThreshold is the Jaccard distance above which a check-in
	// counts toward drift.
	DefaultDriftThreshold = 0.3
	// ViolationLimit is the strike count that triggers a human escalation
	// and pauses dispatch to the agent.
	ViolationLimit = 3

	// EscalationCategoryBoundary labels the three-strike escalation.
	EscalationCategoryBoundary = "boundary-violations"
)

// DefaultProtectedPaths guard secrets and credentials out of the box.
var DefaultProtectedPaths = []string{
	"**/.env*",
	"**/secrets/**",
	"**/keys/**",
	"**/*.pem",
	"**/id_rsa*",
}

type (
	// Options configures the engine.
	Options struct {
		// ProtectedPaths are globs agents must never touch. Defaults to
		// DefaultProtectedPaths; explicit values replace the defaults.
		ProtectedPaths []string
		// ForbiddenTools are tool names agents must not invoke.
		ForbiddenTools []string
		// HumanRequiredCategories name actions that always need a human
		// (production deploy, secret access, bulk deletion, ...).
		HumanRequiredCategories []string
		// BoundaryPaths are the objective's allowed file globs, used for
		// drift detection.
		BoundaryPaths []string
		// DriftWindow overrides DefaultDriftWindow.
		DriftWindow int
		// DriftThreshold overrides DefaultDriftThreshold.
		DriftThreshold float64
	}

	// Verdict is the outcome of checking one check-in or insight.
	Verdict struct {
		// CourseCorrections are reasons requiring a COURSE_CORRECT to the
		// agent, one per violation found.
		CourseCorrections []string
		// DriftEvidence is non-empty when the agent drifted past the
		// threshold twice in a row.
		DriftEvidence string
		// Escalation is non-nil when the agent hit the violation limit.
		Escalation *Escalation
		// Violations is the agent's accumulated violation count after this
		// check.
		Violations int
	}

	// Escalation describes a human-required decision.
	Escalation struct {
		Category string
		AgentID  string
		Context  string
	}

	// Engine holds guardrail state per session. Not safe for concurrent
	// use; the coordinator serializes access.
	Engine struct {
		protected []string
		forbidden []string
		humanCats map[string]bool
		boundary  []string
		window    int
		threshold float64

		histories   map[string][][]string
		driftStreak map[string]int
		violations  map[string]int
		paused      map[string]bool
		escalated   map[string]bool
	}
)

// New validates the configured globs and builds an engine.
func New(opts Options) (*Engine, error) {
	protected := opts.ProtectedPaths
	if protected == nil {
		protected = DefaultProtectedPaths
	}
	for _, g := range append(append([]string{}, protected...), opts.BoundaryPaths...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid glob pattern %q", g)
		}
	}
	window := opts.DriftWindow
	if window <= 0 {
		window = DefaultDriftWindow
	}
	threshold := opts.DriftThreshold
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	humanCats := make(map[string]bool, len(opts.HumanRequiredCategories))
	for _, c := range opts.HumanRequiredCategories {
		humanCats[c] = true
	}
	return &Engine{
		protected:   protected,
		forbidden:   opts.ForbiddenTools,
		humanCats:   humanCats,
		boundary:    opts.BoundaryPaths,
		window:      window,
		threshold:   threshold,
		histories:   make(map[string][][]string),
		driftStreak: make(map[string]int),
		violations:  make(map[string]int),
		paused:      make(map[string]bool),
		escalated:   make(map[string]bool),
	}, nil
}

// CheckCheckin inspects a CHECKIN's touched files and progress note. It
// records the file window for drift detection even when no violation is
// found.
func (e *Engine) CheckCheckin(agentID string, filesTouched []string, progressNote string) Verdict {
	var v Verdict
	for _, f := range filesTouched {
		if g, ok := e.matchProtected(f); ok {
			v.CourseCorrections = append(v.CourseCorrections,
				fmt.Sprintf("touched protected path %s (matches %s)", f, g))
		}
	}
	if tool, ok := e.namesForbiddenTool(progressNote); ok {
		v.CourseCorrections = append(v.CourseCorrections,
			fmt.Sprintf("check-in names forbidden tool %s", tool))
	}
	e.recordWindow(agentID, filesTouched)
	if evidence, drifted := e.checkDrift(agentID); drifted {
		v.DriftEvidence = evidence
	}
	e.applyStrikes(agentID, &v)
	return v
}

// CheckInsight inspects an INSIGHT payload for forbidden tool mentions.
func (e *Engine) CheckInsight(agentID string, in message.Insight) Verdict {
	var v Verdict
	if tool, ok := e.namesForbiddenTool(in.Payload); ok {
		v.CourseCorrections = append(v.CourseCorrections,
			fmt.Sprintf("insight %s names forbidden tool %s", in.ID, tool))
	}
	e.applyStrikes(agentID, &v)
	return v
}

// RequiresHuman reports whether the category always needs a human decision.
func (e *Engine) RequiresHuman(category string) bool {
	return e.humanCats[category]
}

// Violations returns the agent's accumulated violation count.
func (e *Engine) Violations(agentID string) int {
	return e.violations[agentID]
}

// Paused reports whether dispatch to the agent is suspended pending a human
// ack.
func (e *Engine) Paused(agentID string) bool {
	return e.paused[agentID]
}

// Pause suspends dispatch to the agent until a human ack.
func (e *Engine) Pause(agentID string) {
	e.paused[agentID] = true
}

// Resume lifts the pause after a human ack was observed.
func (e *Engine) Resume(agentID string) {
	e.paused[agentID] = false
}

func (e *Engine) matchProtected(path string) (string, bool) {
	for _, g := range e.protected {
		if ok, _ := doublestar.Match(g, path); ok {
			return g, true
		}
	}
	return "", false
}

func (e *Engine) namesForbiddenTool(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, tool := range e.forbidden {
		if tool != "" && strings.Contains(lower, strings.ToLower(tool)) {
			return tool, true
		}
	}
	return "", false
}

func (e *Engine) recordWindow(agentID string, files []string) {
	h := append(e.histories[agentID], files)
	if len(h) > e.window {
		h = h[len(h)-e.window:]
	}
	e.histories[agentID] = h
}

// checkDrift computes the Jaccard distance between the agent's recent file
// window and the subset of it inside the declared boundaries. Two
// consecutive check-ins past the threshold count as drift.
func (e *Engine) checkDrift(agentID string) (string, bool) {
	if len(e.boundary) == 0 {
		return "", false
	}
	files := make(map[string]bool)
	for _, checkin := range e.histories[agentID] {
		for _, f := range checkin {
			files[f] = true
		}
	}
	if len(files) == 0 {
		return "", false
	}
	inBounds := 0
	var outside []string
	for f := range files {
		matched := false
		for _, g := range e.boundary {
			if ok, _ := doublestar.Match(g, f); ok {
				matched = true
				break
			}
		}
		if matched {
			inBounds++
		} else {
			outside = append(outside, f)
		}
	}
	distance := 1 - float64(inBounds)/float64(len(files))
	if distance <= e.threshold {
		e.driftStreak[agentID] = 0
		return "", false
	}
	e.driftStreak[agentID]++
	if e.driftStreak[agentID] < 2 {
		return "", false
	}
	e.driftStreak[agentID] = 0
	return fmt.Sprintf("%.0f%% of recent files outside boundaries (e.g. %s)",
		distance*100, strings.Join(firstN(outside, 3), ", ")), true
}

// applyStrikes counts this verdict's violations and fires the three-strike
// escalation at the limit, pausing dispatch until a human ack.
func (e *Engine) applyStrikes(agentID string, v *Verdict) {
	if len(v.CourseCorrections) > 0 {
		e.violations[agentID] += len(v.CourseCorrections)
	}
	v.Violations = e.violations[agentID]
	if v.Violations >= ViolationLimit && !e.escalated[agentID] {
		e.escalated[agentID] = true
		e.paused[agentID] = true
		v.Escalation = &Escalation{
			Category: EscalationCategoryBoundary,
			AgentID:  agentID,
			Context:  fmt.Sprintf("%d accumulated boundary violations", v.Violations),
		}
	}
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package router computes where insights go. Subscribers declare tag
// filters; each arriving insight is matched synchronously, so insights from
// one source reach any given subscriber in emission order. The router only
// decides — the coordinator performs the store writes — which keeps routing
// pure and directly testable.
package router

import (
	"sort"

	"goa.design/powermode/message"
)

type (
	// Filter is a tag-interest declaration. A tag set matches when it shares
	// at least one tag with Any (or Any is empty), contains every tag in
	// All, and shares none with None.
	Filter struct {
		Any  message.Tags
		All  message.Tags
		None message.Tags
	}

	// Decision is the routing outcome for one insight.
	Decision struct {
		// AgentIDs receive a direct-channel copy, in deterministic order.
		AgentIDs []string
		// ToCoordinator is set for blocker insights.
		ToCoordinator bool
		// Orphan is set when no subscriber matched: the insight must be
		// appended to the durable orphan list exactly once.
		Orphan bool
		// EscalateQuestion is set for question insights with no interested
		// agent; the coordinator converts it to a human escalation.
		EscalateQuestion bool
	}

	// Router tracks subscriber filters. Not safe for concurrent use; the
	// coordinator serializes access.
	Router struct {
		filters map[string]Filter
	}
)

// New creates an empty router.
func New() *Router {
	return &Router{filters: make(map[string]Filter)}
}

// Subscribe registers (or replaces) an agent's tag filter.
func (r *Router) Subscribe(agentID string, f Filter) {
	r.filters[agentID] = f
}

// Unsubscribe removes an agent's filter, as happens when it goes down.
func (r *Router) Unsubscribe(agentID string) {
	delete(r.filters, agentID)
}

// Route computes the destinations for an insight. active lists the agents
// currently eligible to receive copies; the source never receives its own
// insight.
func (r *Router) Route(in message.Insight, active []string) Decision {
	var d Decision

	switch {
	case in.Tags.Has(message.TagPattern):
		// Patterns go to every active agent.
		for _, id := range active {
			if id != in.SourceAgentID {
				d.AgentIDs = append(d.AgentIDs, id)
			}
		}
	case in.Tags.Has(message.TagQuestion):
		// Questions go to agents whose declared interests intersect the
		// subject tags; with no taker they escalate to a human.
		for _, id := range active {
			if id == in.SourceAgentID {
				continue
			}
			f, ok := r.filters[id]
			if !ok {
				continue
			}
			if declared(f).Intersects(in.Tags) {
				d.AgentIDs = append(d.AgentIDs, id)
			}
		}
		if len(d.AgentIDs) == 0 {
			d.EscalateQuestion = true
		}
	default:
		for _, id := range active {
			if id == in.SourceAgentID {
				continue
			}
			f, ok := r.filters[id]
			if !ok {
				continue
			}
			if matches(f, in.Tags) {
				d.AgentIDs = append(d.AgentIDs, id)
			}
		}
	}

	sort.Strings(d.AgentIDs)
	if in.Tags.Has(message.TagBlocker) {
		d.ToCoordinator = true
	}
	if len(d.AgentIDs) == 0 && !d.ToCoordinator && !d.EscalateQuestion {
		d.Orphan = true
	}
	return d
}

// matches reports whether tags satisfy the filter.
func matches(f Filter, tags message.Tags) bool {
	if len(f.Any) > 0 && !tags.Intersects(f.Any) {
		return false
	}
	if !tags.ContainsAll(f.All) {
		return false
	}
	if tags.Intersects(f.None) {
		return false
	}
	return true
}

// declared returns the tags a filter expresses positive interest in.
func declared(f Filter) message.Tags {
	out := make(message.Tags, 0, len(f.Any)+len(f.All))
	for _, t := range f.Any {
		out = out.Add(t)
	}
	for _, t := range f.All {
		out = out.Add(t)
	}
	return out
}

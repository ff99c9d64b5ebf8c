package message

// Tag labels an insight for routing. The core ships a fixed vocabulary but
// preserves unknown tags opaquely so agents can introduce new ones without a
// core change.
type Tag string

const (
	TagFile     Tag = "file"
	TagPattern  Tag = "pattern"
	TagBlocker  Tag = "blocker"
	TagQuestion Tag = "question"
	TagComplete Tag = "complete"
	TagSecurity Tag = "security"
	TagAPI      Tag = "api"
	TagData     Tag = "data"
	TagAuth     Tag = "auth"
	TagTest     Tag = "test"
	TagDeploy   Tag = "deploy"
	TagUI       Tag = "ui"

	// TagBarrierMiss marks insights the coordinator records for agents that
	// failed to acknowledge a barrier before its deadline.
	TagBarrierMiss Tag = "barrier-miss"
)

// Tags is a small ordered tag set. Order is preserved from the wire; Add
// deduplicates.
type Tags []Tag

// NewTags builds a deduplicated tag set preserving first-occurrence order.
func NewTags(tags ...Tag) Tags {
	var ts Tags
	for _, t := range tags {
		ts = ts.Add(t)
	}
	return ts
}

// Has reports whether the set contains t.
func (ts Tags) Has(t Tag) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// Add returns the set with t appended unless already present.
func (ts Tags) Add(t Tag) Tags {
	if ts.Has(t) {
		return ts
	}
	return append(ts, t)
}

// Intersects reports whether the two sets share at least one tag.
func (ts Tags) Intersects(other Tags) bool {
	for _, t := range other {
		if ts.Has(t) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether the set contains every tag in other.
func (ts Tags) ContainsAll(other Tags) bool {
	for _, t := range other {
		if !ts.Has(t) {
			return false
		}
	}
	return true
}

// Strings returns the tags as plain strings.
func (ts Tags) Strings() []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

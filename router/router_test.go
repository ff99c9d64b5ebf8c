package router

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"goa.design/powermode/message"
)

func insight(source string, tags ...message.Tag) message.Insight {
	return message.Insight{
		ID:            "ins-1",
		SourceAgentID: source,
		CreatedAt:     time.Now().UTC(),
		Tags:          message.NewTags(tags...),
		Payload:       "payload",
	}
}

func TestPatternFansOutToAllButSource(t *testing.T) {
	t.Parallel()

	r := New()
	active := []string{"a", "b", "c"}
	d := r.Route(insight("b", message.TagPattern), active)
	assert.Equal(t, []string{"a", "c"}, d.AgentIDs)
	assert.False(t, d.Orphan)
	assert.False(t, d.ToCoordinator)
}

func TestQuestionGoesToInterestedAgents(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("auth-expert", Filter{Any: message.NewTags(message.TagAuth)})
	r.Subscribe("ui-expert", Filter{Any: message.NewTags(message.TagUI)})

	d := r.Route(insight("asker", message.TagQuestion, message.TagAuth), []string{"auth-expert", "ui-expert", "asker"})
	assert.Equal(t, []string{"auth-expert"}, d.AgentIDs)
	assert.False(t, d.EscalateQuestion)
}

func TestQuestionWithNoTakerEscalates(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("ui-expert", Filter{Any: message.NewTags(message.TagUI)})

	d := r.Route(insight("asker", message.TagQuestion, message.TagAuth), []string{"ui-expert", "asker"})
	assert.Empty(t, d.AgentIDs)
	assert.True(t, d.EscalateQuestion)
	assert.False(t, d.Orphan)
}

func TestFilterSemantics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		f     Filter
		tags  []message.Tag
		match bool
	}{
		{"any matches on intersection", Filter{Any: message.NewTags(message.TagAPI, message.TagData)}, []message.Tag{message.TagAPI}, true},
		{"any misses without intersection", Filter{Any: message.NewTags(message.TagAPI)}, []message.Tag{message.TagUI}, false},
		{"empty any matches", Filter{}, []message.Tag{message.TagUI}, true},
		{"all requires every tag", Filter{All: message.NewTags(message.TagAPI, message.TagSecurity)}, []message.Tag{message.TagAPI}, false},
		{"all satisfied", Filter{All: message.NewTags(message.TagAPI, message.TagSecurity)}, []message.Tag{message.TagAPI, message.TagSecurity}, true},
		{"none excludes", Filter{None: message.NewTags(message.TagTest)}, []message.Tag{message.TagAPI, message.TagTest}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := New()
			r.Subscribe("sub", tc.f)
			d := r.Route(insight("src", tc.tags...), []string{"sub"})
			if tc.match {
				assert.Equal(t, []string{"sub"}, d.AgentIDs)
			} else {
				assert.Empty(t, d.AgentIDs)
			}
		})
	}
}

func TestBlockerGoesToCoordinator(t *testing.T) {
	t.Parallel()

	r := New()
	d := r.Route(insight("src", message.TagBlocker), []string{"src"})
	assert.True(t, d.ToCoordinator)
	assert.False(t, d.Orphan)
}

func TestUnsubscribedAgentReceivesNothing(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("a", Filter{Any: message.NewTags(message.TagAPI)})
	r.Unsubscribe("a")
	d := r.Route(insight("src", message.TagAPI), []string{"a"})
	assert.Empty(t, d.AgentIDs)
	assert.True(t, d.Orphan)
}

func TestSourceNeverReceivesOwnInsight(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("src", Filter{Any: message.NewTags(message.TagAPI)})
	d := r.Route(insight("src", message.TagAPI), []string{"src"})
	assert.Empty(t, d.AgentIDs)
	assert.True(t, d.Orphan)
}

// TestOrphanExactlyWhenNoDestinationProperty checks that a decision flags
// orphan exactly when it produced no other destination.
func TestOrphanExactlyWhenNoDestinationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	vocab := []message.Tag{
		message.TagFile, message.TagPattern, message.TagBlocker, message.TagQuestion,
		message.TagAPI, message.TagData, message.TagAuth, message.TagTest,
	}
	genTags := gen.SliceOfN(3, gen.IntRange(0, len(vocab)-1)).Map(func(idx []int) message.Tags {
		var ts message.Tags
		for _, i := range idx {
			ts = ts.Add(vocab[i])
		}
		return ts
	})

	properties.Property("orphan iff no destination", prop.ForAll(
		func(tags message.Tags, subscribeAPI bool) bool {
			if len(tags) == 0 {
				return true
			}
			r := New()
			if subscribeAPI {
				r.Subscribe("sub", Filter{Any: message.NewTags(message.TagAPI)})
			}
			in := message.Insight{
				ID: "i", SourceAgentID: "src", CreatedAt: time.Now(), Tags: tags, Payload: "p",
			}
			d := r.Route(in, []string{"sub", "src"})
			hasDest := len(d.AgentIDs) > 0 || d.ToCoordinator || d.EscalateQuestion
			return d.Orphan == !hasDest
		},
		genTags, gen.Bool(),
	))

	properties.TestingRun(t)
}

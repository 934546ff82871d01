package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

func abJourney() api.Journey {
	j := profileJourney()
	j.ID = "ab"
	j.Variants = []api.Variant{{Name: "short", Weight: 1}, {Name: "long", Weight: 3}}
	return j
}

func TestHashAssignerIsStableAndWeighted(t *testing.T) {
	assign := HashAssigner()
	j := abJourney()

	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		user := fmt.Sprintf("user-%d", i)
		first := assign.Assign(j, user)
		require.Equal(t, first, assign.Assign(j, user), "assignment must be deterministic")
		counts[first]++
	}
	assert.Len(t, counts, 2)
	assert.InDelta(t, 1000, counts["short"], 150)
	assert.InDelta(t, 3000, counts["long"], 150)

	assert.Equal(t, api.DefaultVariant, assign.Assign(profileJourney(), "anyone"))
}

func TestCompareVariants(t *testing.T) {
	ctx := context.Background()
	// Odd users get "short", even users "long".
	assigner := api.VariantAssignerFunc(func(j api.Journey, userID string) string {
		var n int
		_, _ = fmt.Sscanf(userID, "u%d", &n)
		if n%2 == 1 {
			return "short"
		}
		return "long"
	})
	e := NewEngineWithConfig(Config{
		Persistence: persistence.NewInMemory(),
		Assigner:    assigner,
	})
	mustPublish(t, e, abJourney())

	for i := 1; i <= 4; i++ {
		sess, err := e.Start(ctx, "ab", fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		_, err = e.CompleteStep(ctx, sess.ID, "welcome", nil)
		require.NoError(t, err)
		if sess.Variant == "short" {
			_, err = e.CompleteStep(ctx, sess.ID, "profile_setup", map[string]any{"name": "x"})
			require.NoError(t, err)
		}
	}

	byVariant, err := e.CompareVariants(ctx, "ab")
	require.NoError(t, err)
	require.Len(t, byVariant, 2)
	assert.Equal(t, 1.0, byVariant["short"].CompletionRate)
	assert.Equal(t, 0.0, byVariant["long"].CompletionRate)
	assert.Equal(t, int64(2), byVariant["long"].TotalStarted)

	session, err := e.ListSessions(ctx, api.SessionListOptions{UserID: "u3"})
	require.NoError(t, err)
	require.Len(t, session, 1)
	assert.Equal(t, "short", session[0].Variant)
}

func TestCompareVariantsListsDeclaredVariantsWithoutSessions(t *testing.T) {
	ctx := context.Background()
	e := NewInMemoryEngine()
	mustPublish(t, e, abJourney())

	byVariant, err := e.CompareVariants(ctx, "ab")
	require.NoError(t, err)
	assert.Len(t, byVariant, 2)
	assert.Equal(t, int64(0), byVariant["short"].TotalStarted)
	assert.Equal(t, 0.0, byVariant["long"].CompletionRate)
}

func TestBranchOnVariantAttribute(t *testing.T) {
	ctx := context.Background()
	e := NewEngineWithConfig(Config{
		Persistence: persistence.NewInMemory(),
		Assigner:    api.VariantAssignerFunc(func(api.Journey, string) string { return "guided" }),
	})
	mustPublish(t, e, api.Journey{
		ID:       "tour",
		Entry:    "pick",
		Variants: []api.Variant{{Name: "guided", Weight: 1}, {Name: "self", Weight: 1}},
		Steps: []api.Step{
			{ID: "pick", Kind: api.StepBranch, Branch: &api.BranchSpec{
				Rules: []api.Rule{{
					When:   []api.Predicate{{Field: api.AttrVariant, Op: api.OpEq, Value: "guided"}},
					Target: "guided_tour",
				}},
				Fallback: "docs",
			}},
			{ID: "guided_tour", Kind: api.StepTour, Next: "docs"},
			{ID: "docs", Kind: api.StepMessage},
		},
	})

	sess, err := e.Start(ctx, "tour", "u1")
	require.NoError(t, err)
	assert.Equal(t, "guided_tour", sess.CurrentStep)

	assertTrail(t, collectEvents(t, e, sess.ID), []eventSummary{
		{api.EventStarted, ""},
		{api.EventStepEntered, "pick"},
		{api.EventStepCompleted, "pick"},
		{api.EventBranchTaken, "pick"},
		{api.EventStepEntered, "guided_tour"},
	})
}

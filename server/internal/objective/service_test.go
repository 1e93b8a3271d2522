package objective

import (
	"context"
	"testing"

	"crisis-drill/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectives() []model.ScenarioObjective {
	return []model.ScenarioObjective{
		{
			ID: "protect",
			Rules: []model.ObjectiveRule{
				{Condition: "category:evacuation", Kind: model.RuleBonus, Points: 30, Reason: "evacuated"},
				{Condition: "keyword:segregate", Kind: model.RulePenalty, Points: 50, Reason: "segregation"},
			},
		},
		{
			ID:    "inform",
			Rules: []model.ObjectiveRule{{Condition: "category:public_communication", Kind: model.RuleBonus, Points: 10}},
		},
	}
}

func TestApplyDecisionScoresOncePerRule(t *testing.T) {
	store := NewInMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx, "s1", objectives()))

	cls := model.Classification{DecisionID: "d1", Categories: []string{"evacuation"}}
	entries, err := svc.ApplyDecision(ctx, "s1", "d1", objectives(), cls)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].CauseDecisionID)

	// 重试同一决策不会重复计分
	entries, err = svc.ApplyDecision(ctx, "s1", "d1", objectives(), cls)
	require.NoError(t, err)
	assert.Empty(t, entries)

	p, err := store.Get(ctx, "s1", "protect")
	require.NoError(t, err)
	assert.Equal(t, 30.0, p.Progress)
	assert.Len(t, p.Entries, 1)

	inform, err := store.Get(ctx, "s1", "inform")
	require.NoError(t, err)
	assert.Equal(t, 0.0, inform.Progress)
}

func TestApplyDecisionClampsProgress(t *testing.T) {
	store := NewInMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	// 未初始化的目标在首次计分时补建
	cls := model.Classification{DecisionID: "d2", Keywords: []string{"segregate"}}
	_, err := svc.ApplyDecision(ctx, "s1", "d2", objectives(), cls)
	require.NoError(t, err)

	p, err := store.Get(ctx, "s1", "protect")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Progress)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, model.RulePenalty, p.Entries[0].Kind)
}

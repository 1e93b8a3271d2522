package generator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/llm/llmtest"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/theme"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseContext() GenerationContext {
	return GenerationContext{
		Scenario: model.Scenario{Title: "Port fire", Description: "A chemical fire at the harbour"},
		Inject:   model.ScenarioInject{ID: "i1", Severity: model.SeverityHigh, Scope: model.ScopeTeamSpecific, TargetTeams: []string{"medical"}},
		Trigger:  Trigger{Path: model.PathTime, ElapsedMinutes: 10},
		Usage: model.ThemeUsage{
			Global:  map[string]int{"media": 4},
			ByScope: map[model.InjectScope]map[string]int{model.ScopeTeamSpecific: {"media": 1}},
		},
		DecisionSummary: "no decisions executed yet",
		Robustness:      theme.RobustnessHigh,
		Snapshot: &model.EscalationSnapshot{
			Pathways:             []model.EscalationPathway{{Trajectory: "fire spreads"}},
			DeEscalationPathways: []model.EscalationPathway{{Trajectory: "containment holds", EmergingChallenges: []string{"runoff into river"}}},
		},
	}
}

// TestGenerateSuccess 正常输出会被规范化并返回。
func TestGenerateSuccess(t *testing.T) {
	mock := llmtest.NewMockClient()
	mock.SetResponse(SchemaName, map[string]any{
		"title":              " Smoke over the docks ",
		"content":            "Residents report thick smoke.",
		"severity":           "HIGH",
		"themes":             []string{"Environment", " public_health"},
		"unresolved_problem": "Evacuation of the eastern quarter has not started.",
	})
	g := New(mock, nil, nil, time.Second)

	out, err := g.Generate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, "Smoke over the docks", out.Title)
	assert.Equal(t, model.SeverityHigh, out.Severity)
	assert.Equal(t, []string{"environment", "public_health"}, out.Themes)
	assert.Equal(t, "Residents report thick smoke.\n\nEvacuation of the eastern quarter has not started.", out.Content)

	msgs := mock.LastMessages(SchemaName)
	require.Len(t, msgs, 2)
	user := msgs[1].Content
	assert.Contains(t, user, "Heavily used themes (vary the angle if you use them): media")
	assert.Contains(t, user, "Only these teams receive it: medical")
	assert.Contains(t, user, "de-escalation pathway: containment holds")
	assert.Contains(t, user, "emerging challenge: runoff into river")
	assert.NotContains(t, user, "escalation pathway: fire spreads")
}

func TestGenerateRequiresUnresolvedProblem(t *testing.T) {
	mock := llmtest.NewMockClient()
	mock.SetResponse(SchemaName, map[string]any{
		"title":              "All clear",
		"content":            "Everything is resolved.",
		"severity":           "low",
		"themes":             []string{"media"},
		"unresolved_problem": "",
	})
	g := New(mock, nil, nil, time.Second)

	_, err := g.Generate(context.Background(), baseContext())
	require.Error(t, err)
	assert.Equal(t, KindGenerationFailed, KindOf(err))
	assert.True(t, errors.Is(err, llm.ErrMalformedOutput))
}

// TestGenerateKeepsProblemAlreadyInContent 正文已包含未解决问题时不重复追加。
func TestGenerateKeepsProblemAlreadyInContent(t *testing.T) {
	mock := llmtest.NewMockClient()
	mock.SetResponse(SchemaName, map[string]any{
		"title":              "Shelters filling",
		"content":            "Crews hold the fire line. Shelter B has no water.",
		"severity":           "medium",
		"themes":             []string{"logistics"},
		"unresolved_problem": "shelter B has no water.",
	})
	g := New(mock, nil, nil, time.Second)

	out, err := g.Generate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, "Crews hold the fire line. Shelter B has no water.", out.Content)
}

func TestGenerateErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"timeout", fmt.Errorf("%w: slow", llm.ErrProviderTimeout), KindProviderTimeout},
		{"rejected", &llm.APIError{StatusCode: 400, Body: "bad"}, KindProviderRejected},
		{"unavailable", &llm.APIError{StatusCode: 503, Body: "down"}, KindGenerationFailed},
		{"deadline", context.DeadlineExceeded, KindProviderTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := llmtest.NewMockClient()
			mock.SetError(SchemaName, tc.err)
			g := New(mock, nil, nil, time.Second)

			_, err := g.Generate(context.Background(), baseContext())
			require.Error(t, err)
			var ge *Error
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, tc.want, ge.Kind)
		})
	}
}

// TestGenerateDetachedFromCallerCancel 调用方取消不影响已经发出的生成调用。
func TestGenerateDetachedFromCallerCancel(t *testing.T) {
	mock := llmtest.NewMockClient()
	mock.Func = func(ctx context.Context, _ []llm.Message, _ *llm.JSONSchema) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, ok := ctx.Deadline(); !ok {
			return "", errors.New("missing deadline")
		}
		return `{"title":"t","content":"c","severity":"low","themes":["media"],"unresolved_problem":"p"}`, nil
	}
	g := New(mock, nil, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, baseContext())
	require.NoError(t, err)
}

func TestGenerateFallsBackToInjectSeverity(t *testing.T) {
	mock := llmtest.NewMockClient()
	mock.SetResponse(SchemaName, `{"title":"t","content":"c","themes":["media"],"unresolved_problem":"p"}`)
	g := New(mock, nil, nil, time.Second)

	out, err := g.Generate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, out.Severity)
}

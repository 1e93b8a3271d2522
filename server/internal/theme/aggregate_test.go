package theme

import (
	"strings"
	"testing"
	"time"

	"crisis-drill/server/internal/model"
)

func TestAggregateCountsGlobalAndScope(t *testing.T) {
	records := []model.PublishedInject{
		{InjectID: "i1", Scope: model.ScopeUniversal, Themes: []string{"Media", "political"}},
		{InjectID: "i2", Scope: model.ScopeTeamSpecific, Themes: []string{"media"}},
		{InjectID: "i3", Scope: model.ScopeUniversal, Title: "Hospital overwhelmed", Content: "Outbreak spreads"},
	}
	usage := Aggregate(records)

	if usage.Total != 3 {
		t.Fatalf("expected total 3, got %d", usage.Total)
	}
	if usage.Global["media"] != 2 {
		t.Fatalf("expected media 2, got %d", usage.Global["media"])
	}
	if usage.ByScope[model.ScopeTeamSpecific]["media"] != 1 {
		t.Fatalf("expected team-scoped media 1, got %d", usage.ByScope[model.ScopeTeamSpecific]["media"])
	}
	if usage.Global["public_health"] != 1 {
		t.Fatalf("expected inferred public_health theme, got %v", usage.Global)
	}
}

func TestUnderusedAndOverused(t *testing.T) {
	usage := model.ThemeUsage{Global: map[string]int{"media": 4, "political": 2}}
	over := Overused(usage, 2)
	if len(over) != 2 || over[0] != "media" {
		t.Fatalf("unexpected overused %v", over)
	}
	under := Underused(usage, 3)
	if len(under) != 3 {
		t.Fatalf("expected 3 underused, got %v", under)
	}
	for _, u := range under {
		if u == "media" || u == "political" {
			t.Fatalf("used theme reported as underused: %v", under)
		}
	}
}

func TestSummarizeDecisions(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	decisions := []model.Decision{
		{ID: "d2", Title: "Open shelters", Status: model.DecisionExecuted, ExecutedAt: &t1},
		{ID: "d1", Title: "Declare emergency", Status: model.DecisionExecuted, ExecutedAt: &t0},
		{ID: "d3", Title: "Pending", Status: model.DecisionProposed},
	}
	cls := map[string]model.Classification{
		"d1": {Categories: []string{"logistics"}},
		"d2": {Categories: []string{"logistics"}},
	}
	summary := SummarizeDecisions(decisions, cls)
	if !strings.HasPrefix(summary, "2 decisions executed; latest: Open shelters") {
		t.Fatalf("unexpected summary %q", summary)
	}
	if !strings.Contains(summary, "recurring categories: logistics") {
		t.Fatalf("expected recurring categories in %q", summary)
	}
	if got := SummarizeDecisions(nil, nil); got != "no decisions executed yet" {
		t.Fatalf("unexpected empty summary %q", got)
	}
}

func TestInferRobustness(t *testing.T) {
	calm := &model.EscalationSnapshot{
		Factors:             make([]model.EscalationFactor, 3),
		DeEscalationFactors: make([]model.EscalationFactor, 5),
	}
	tense := &model.EscalationSnapshot{
		Factors:             make([]model.EscalationFactor, 6),
		DeEscalationFactors: make([]model.EscalationFactor, 3),
	}
	good := []model.ObjectiveProgress{{Progress: 70}, {Progress: 80}}
	poor := []model.ObjectiveProgress{{Progress: 10}}

	if got := InferRobustness(calm, good); got != RobustnessHigh {
		t.Fatalf("expected high, got %s", got)
	}
	if got := InferRobustness(tense, good); got != RobustnessLow {
		t.Fatalf("expected low, got %s", got)
	}
	if got := InferRobustness(calm, poor); got != RobustnessLow {
		t.Fatalf("expected low for poor progress, got %s", got)
	}
	if got := InferRobustness(nil, nil); got != RobustnessMedium {
		t.Fatalf("expected medium, got %s", got)
	}
}

func TestInferMatchesWholeWords(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"The deadline for the report moved", ""},
		{"Staff feel empowered by the firewall upgrade", ""},
		{"Two dead after the collapse", "casualties"},
		{"Water supply cut in the north", "infrastructure"},
		{"Rumours spread on social-media overnight", "misinformation"},
		{"Chemical spill near the river", "environment"},
	}
	for _, tc := range cases {
		got := strings.Join(Infer(tc.text), ",")
		if got != tc.want {
			t.Fatalf("Infer(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

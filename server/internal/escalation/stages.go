package escalation

import (
	"fmt"
	"strings"

	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/model"
)

// 四个阶段的名称，同时作为 JSON Schema 名与日志/指标标签。
const (
	StageEscalationFactors    = "escalation_factors"
	StageDeEscalationFactors  = "de_escalation_factors"
	StageEscalationPathways   = "escalation_pathways"
	StageDeEscalationPathways = "de_escalation_pathways"
)

const (
	minFactors            = 3
	maxFactors            = 8
	minPathways           = 2
	maxPathways           = 6
	maxEmergingChallenges = 2
	recentInjectsInPrompt = 5
)

// ErrOutOfBounds 模型输出数量低于下限（超过上限会被截断，不报错）。
var ErrOutOfBounds = fmt.Errorf("%w: output out of bounds", llm.ErrMalformedOutput)

func factorSchema(name string) *llm.JSONSchema {
	return &llm.JSONSchema{
		Name: name,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"factors": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":        map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
							"severity": map[string]any{
								"type": "string",
								"enum": []string{"low", "medium", "high", "critical"},
							},
						},
						"required":             []string{"name", "description", "severity"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"factors"},
			"additionalProperties": false,
		},
		Strict: true,
	}
}

func pathwaySchema(name string, withChallenges bool) *llm.JSONSchema {
	props := map[string]any{
		"trajectory": map[string]any{"type": "string"},
		"behaviours": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}
	required := []string{"trajectory", "behaviours"}
	if withChallenges {
		props["emerging_challenges"] = map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		}
		required = append(required, "emerging_challenges")
	}
	return &llm.JSONSchema{
		Name: name,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pathways": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":                 "object",
						"properties":           props,
						"required":             required,
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"pathways"},
			"additionalProperties": false,
		},
		Strict: true,
	}
}

type factorsResponse struct {
	Factors []model.EscalationFactor `json:"factors"`
}

type pathwaysResponse struct {
	Pathways []model.EscalationPathway `json:"pathways"`
}

// boundFactors 丢弃未知等级与空名称，低于下限报错，超过上限截断。
func boundFactors(in []model.EscalationFactor, idPrefix string) ([]model.EscalationFactor, error) {
	out := make([]model.EscalationFactor, 0, len(in))
	for _, f := range in {
		f.Severity = model.Severity(strings.ToLower(strings.TrimSpace(string(f.Severity))))
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" || !f.Severity.Valid() {
			continue
		}
		out = append(out, f)
	}
	if len(out) < minFactors {
		return nil, fmt.Errorf("%w: %d factors, need at least %d", ErrOutOfBounds, len(out), minFactors)
	}
	if len(out) > maxFactors {
		out = out[:maxFactors]
	}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("%s-%d", idPrefix, i+1)
		}
	}
	return out, nil
}

// boundPathways 同上；keepChallenges=false 时清空 emerging_challenges（只有降级路径携带）。
func boundPathways(in []model.EscalationPathway, idPrefix string, keepChallenges bool) ([]model.EscalationPathway, error) {
	out := make([]model.EscalationPathway, 0, len(in))
	for _, p := range in {
		p.Trajectory = strings.TrimSpace(p.Trajectory)
		if p.Trajectory == "" {
			continue
		}
		if !keepChallenges {
			p.EmergingChallenges = nil
		} else if len(p.EmergingChallenges) > maxEmergingChallenges {
			p.EmergingChallenges = p.EmergingChallenges[:maxEmergingChallenges]
		}
		out = append(out, p)
	}
	if len(out) < minPathways {
		return nil, fmt.Errorf("%w: %d pathways, need at least %d", ErrOutOfBounds, len(out), minPathways)
	}
	if len(out) > maxPathways {
		out = out[:maxPathways]
	}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("%s-%d", idPrefix, i+1)
		}
	}
	return out, nil
}

const systemPrompt = `You are the situation analyst of a fictional crisis-management training exercise.
Everything you describe is fictional and exists only inside the exercise.
Answer with a single JSON object that follows the provided schema. Be concrete and specific to the scenario.`

func buildStagePrompt(stage string, in Input, snap *model.EscalationSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Scenario\n%s\n%s\n\n", in.Scenario.Title, in.Scenario.Description)
	fmt.Fprintf(&b, "## Current state\n%s\n\n", model.FormatState(in.State))

	if len(in.Objectives) > 0 {
		b.WriteString("## Objectives\n")
		progress := make(map[string]float64, len(in.Progress))
		for _, p := range in.Progress {
			progress[p.ObjectiveID] = p.Progress
		}
		for _, o := range in.Objectives {
			fmt.Fprintf(&b, "- %s (%.0f%%): %s\n", o.Title, progress[o.ID], o.Description)
		}
		b.WriteString("\n")
	}

	recent := in.RecentInjects
	if len(recent) > recentInjectsInPrompt {
		recent = recent[len(recent)-recentInjectsInPrompt:]
	}
	if len(recent) > 0 {
		b.WriteString("## Recently published injects\n")
		for _, r := range recent {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", r.Severity, r.Title, r.Content)
		}
		b.WriteString("\n")
	}

	switch stage {
	case StageEscalationFactors:
		fmt.Fprintf(&b, "## Task\nIdentify %d to %d factors currently escalating the crisis. Rate each severity low, medium, high or critical.", minFactors, maxFactors)
	case StageDeEscalationFactors:
		b.WriteString("## Escalation factors\n")
		writeFactors(&b, snap.Factors)
		fmt.Fprintf(&b, "\n## Task\nIdentify %d to %d factors that could de-escalate the crisis, taking the escalation factors into account.", minFactors, maxFactors)
	case StageEscalationPathways:
		b.WriteString("## Escalation factors\n")
		writeFactors(&b, snap.Factors)
		fmt.Fprintf(&b, "\n## Task\nDescribe %d to %d plausible escalation pathways: a trajectory and the participant behaviours that would trigger it.", minPathways, maxPathways)
	case StageDeEscalationPathways:
		b.WriteString("## De-escalation factors\n")
		writeFactors(&b, snap.DeEscalationFactors)
		b.WriteString("\n## Escalation pathways\n")
		for _, p := range snap.Pathways {
			fmt.Fprintf(&b, "- %s\n", p.Trajectory)
		}
		fmt.Fprintf(&b, "\n## Task\nDescribe %d to %d de-escalation pathways: a trajectory, the mitigating behaviours, and at most %d emerging challenges that remain even if the pathway succeeds.", minPathways, maxPathways, maxEmergingChallenges)
	}
	return b.String()
}

func writeFactors(b *strings.Builder, factors []model.EscalationFactor) {
	if len(factors) == 0 {
		b.WriteString("(none identified)\n")
		return
	}
	for _, f := range factors {
		fmt.Fprintf(b, "- %s [%s]: %s\n", f.Name, f.Severity, f.Description)
	}
}

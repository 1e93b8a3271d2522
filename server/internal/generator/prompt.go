package generator

import (
	"fmt"
	"sort"
	"strings"

	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/theme"
)

const (
	underusedInPrompt = 4
	overusedThreshold = 3
)

// SchemaName 生成调用的 JSON Schema 名。
const SchemaName = "inject_content"

var contentSchema = &llm.JSONSchema{
	Name: SchemaName,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
			"severity": map[string]any{
				"type": "string",
				"enum": []string{"low", "medium", "high", "critical"},
			},
			"themes": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"unresolved_problem": map[string]any{
				"type":        "string",
				"description": "The open or emerging problem this inject leaves for participants.",
			},
		},
		"required":             []string{"title", "content", "severity", "themes", "unresolved_problem"},
		"additionalProperties": false,
	},
	Strict: true,
}

const systemPrompt = `You write injects for a fictional crisis-management training exercise.
An inject is a short in-world update (news report, intelligence update, field report) delivered to participants.

Rules:
- All people, organisations and places are fictional. Never reference real individuals.
- Prefer themes that have been used least so far. When a theme is already heavily used, change the narrative angle instead of repeating it.
- Every inject must introduce or highlight at least one unresolved or emerging problem. Never describe a complete, positive resolution.
- Keep the content to one or two short paragraphs written in the voice of the source.
- Answer with a single JSON object that follows the provided schema.`

func buildUserPrompt(gc GenerationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Scenario\n%s\n%s\n\n", gc.Scenario.Title, gc.Scenario.Description)

	b.WriteString("## Trigger\n")
	switch gc.Trigger.Path {
	case model.PathDecision:
		if d := gc.Trigger.Decision; d != nil {
			fmt.Fprintf(&b, "Participants just executed the decision %q: %s\n", d.Title, d.Description)
		}
		if c := gc.Trigger.Classification; c != nil {
			fmt.Fprintf(&b, "Decision categories: %s; keywords: %s\n", strings.Join(c.Categories, ", "), strings.Join(c.Keywords, ", "))
		}
	case model.PathState:
		b.WriteString("The scenario state reached a condition the scenario designers flagged.\n")
	default:
		fmt.Fprintf(&b, "Scenario time reached %.0f minutes.\n", gc.Trigger.ElapsedMinutes)
	}
	if strings.TrimSpace(gc.Inject.Title) != "" {
		fmt.Fprintf(&b, "Working title from the scenario designers: %s\n", gc.Inject.Title)
	}
	fmt.Fprintf(&b, "Suggested severity: %s\n\n", gc.Inject.Severity)

	b.WriteString("## Audience\n")
	switch gc.Inject.Scope {
	case model.ScopeTeamSpecific:
		fmt.Fprintf(&b, "Only these teams receive it: %s\n\n", strings.Join(gc.Inject.TargetTeams, ", "))
	case model.ScopeRoleSpecific:
		fmt.Fprintf(&b, "Only these roles receive it: %s\n\n", strings.Join(gc.Inject.AffectedRoles, ", "))
	default:
		b.WriteString("All participants receive it.\n\n")
	}

	fmt.Fprintf(&b, "## Decision history\n%s\n\n", gc.DecisionSummary)

	b.WriteString("## Theme usage\n")
	if under := theme.Underused(gc.Usage, underusedInPrompt); len(under) > 0 {
		fmt.Fprintf(&b, "Under-represented themes (prefer these): %s\n", strings.Join(under, ", "))
	}
	if over := theme.Overused(gc.Usage, overusedThreshold); len(over) > 0 {
		fmt.Fprintf(&b, "Heavily used themes (vary the angle if you use them): %s\n", strings.Join(over, ", "))
	}
	if scoped := gc.Usage.ByScope[gc.Inject.Scope]; len(scoped) > 0 {
		fmt.Fprintf(&b, "Themes already sent to this audience: %s\n", formatCounts(scoped))
	}
	b.WriteString("\n")

	if s := gc.Snapshot; s != nil {
		b.WriteString("## Situation assessment\n")
		for _, f := range s.Factors {
			fmt.Fprintf(&b, "- escalating: %s [%s]\n", f.Name, f.Severity)
		}
		for _, f := range s.DeEscalationFactors {
			fmt.Fprintf(&b, "- de-escalating: %s [%s]\n", f.Name, f.Severity)
		}
		pathways := s.Pathways
		label := "escalation pathway"
		if gc.Robustness == theme.RobustnessHigh && len(s.DeEscalationPathways) > 0 {
			pathways = s.DeEscalationPathways
			label = "de-escalation pathway"
		}
		for _, p := range pathways {
			fmt.Fprintf(&b, "- %s: %s\n", label, p.Trajectory)
			for _, c := range p.EmergingChallenges {
				fmt.Fprintf(&b, "  - emerging challenge: %s\n", c)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Direction\n")
	switch gc.Robustness {
	case theme.RobustnessHigh:
		b.WriteString("Participants are handling the crisis well. Lean toward the de-escalation pathways, but surface an emerging challenge that keeps pressure on them.\n")
	case theme.RobustnessLow:
		b.WriteString("Participants are struggling. Follow the escalation pathways and make the consequences of open problems visible.\n")
	default:
		b.WriteString("Keep pressure steady. Develop an existing thread or open a new one from an under-represented theme.\n")
	}
	return b.String()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

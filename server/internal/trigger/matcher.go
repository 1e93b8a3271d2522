package trigger

import (
	"sort"
	"strings"

	"crisis-drill/server/internal/model"
)

// Candidate 是带已编译条件的注入定义。
type Candidate struct {
	Inject    model.ScenarioInject
	Condition Condition
}

// Invalid 是条件无法编译的注入定义，需要训练员复核。
type Invalid struct {
	Inject model.ScenarioInject
	Err    error
}

// CompileCatalog 在加载时一次性编译所有带条件的注入定义。
// 没有 trigger_condition 的注入定义不出现在任何返回值里。
func CompileCatalog(injects []model.ScenarioInject) ([]Candidate, []Invalid) {
	var (
		candidates []Candidate
		invalid    []Invalid
	)
	for _, inj := range injects {
		if inj.TriggerCondition == nil {
			continue
		}
		cond, err := Compile(*inj.TriggerCondition)
		if err != nil {
			invalid = append(invalid, Invalid{Inject: inj, Err: err})
			continue
		}
		candidates = append(candidates, Candidate{Inject: inj, Condition: cond})
	}
	return candidates, invalid
}

// MatchDecision 返回条件被决策分类满足的候选。
func MatchDecision(candidates []Candidate, cls model.Classification) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Condition.Matches(cls) {
			out = append(out, c)
		}
	}
	return out
}

// MatchState 返回条件被剧情变量快照满足的候选。
func MatchState(candidates []Candidate, state map[string]any) []Candidate {
	if len(state) == 0 {
		return nil
	}
	var out []Candidate
	for _, c := range candidates {
		if c.Condition.MatchesState(state) {
			out = append(out, c)
		}
	}
	return out
}

// DueByTime 返回 trigger_time_minutes 已到的注入定义，按触发时间、录入顺序排序。
func DueByTime(injects []model.ScenarioInject, elapsedMinutes float64) []model.ScenarioInject {
	var due []model.ScenarioInject
	for _, inj := range injects {
		if inj.TriggerTimeMinutes == nil {
			continue
		}
		if elapsedMinutes >= float64(*inj.TriggerTimeMinutes) {
			due = append(due, inj)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		ti, tj := *due[i].TriggerTimeMinutes, *due[j].TriggerTimeMinutes
		if ti != tj {
			return ti < tj
		}
		return createdBefore(due[i], due[j])
	})
	return due
}

// Rank 按平局规则排序：关键词更多者优先，其次严重程度更高者，最后按录入顺序。
func Rank(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Condition.Specificity(), out[j].Condition.Specificity()
		if si != sj {
			return si > sj
		}
		ri, rj := out[i].Inject.Severity.Rank(), out[j].Inject.Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return createdBefore(out[i].Inject, out[j].Inject)
	})
	return out
}

// SelectPerScope 每个范围冲突键只保留排名最高的一个；输入须已 Rank。
// 落选者保持未发布，可在后续决策或计时中再次命中。
func SelectPerScope(ranked []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(ranked))
	var out []Candidate
	for _, c := range ranked {
		key := ScopeKey(c.Inject)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ScopeKey 范围 + 排序后的目标团队/角色，相同键视为同一受众。
func ScopeKey(inj model.ScenarioInject) string {
	var targets []string
	switch inj.Scope {
	case model.ScopeTeamSpecific:
		targets = Normalize(inj.TargetTeams)
	case model.ScopeRoleSpecific:
		targets = Normalize(inj.AffectedRoles)
	}
	sort.Strings(targets)
	return string(inj.Scope) + "|" + strings.Join(targets, ",")
}

func createdBefore(a, b model.ScenarioInject) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

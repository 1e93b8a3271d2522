package orchestrator

import (
	"math"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/trigger"
)

// ReduceInject 只做“事实归约”：把一次注入发布写进剧情变量，不触发外部调用。
func ReduceInject(state map[string]any, rec model.PublishedInject) {
	if state == nil {
		return
	}
	state[model.StateInjectsPublished] = intValue(state[model.StateInjectsPublished]) + 1
	state[model.StateLastInjectID] = rec.InjectID
	state[model.StateLastInjectSeverity] = string(rec.Severity)
}

// ReduceDecision 把已执行决策的分类合并进 active_* 列表，供计时路径上的状态条件使用。
// 同一决策只归约一次。
func ReduceDecision(state map[string]any, d model.Decision, cls model.Classification) bool {
	if state == nil {
		return false
	}
	reduced := trigger.StringList(state[model.StateReducedDecisions])
	for _, id := range reduced {
		if id == d.ID {
			return false
		}
	}
	state[model.StateReducedDecisions] = append(append([]string(nil), reduced...), d.ID)
	state[model.StateDecisionsExecuted] = intValue(state[model.StateDecisionsExecuted]) + 1
	state[model.StateActiveCategories] = merge(state[model.StateActiveCategories], cls.Categories)
	state[model.StateActiveKeywords] = merge(state[model.StateActiveKeywords], cls.Keywords)
	state[model.StateActiveTags] = merge(state[model.StateActiveTags], cls.SemanticTags)
	return true
}

// RecordElapsed 写入剧情时间（整分钟）。
func RecordElapsed(state map[string]any, elapsedMinutes float64) {
	if state == nil {
		return
	}
	state[model.StateScenarioTimeMinutes] = int(math.Floor(elapsedMinutes))
}

func merge(existing any, add []string) []string {
	return trigger.Normalize(append(append([]string(nil), trigger.StringList(existing)...), add...))
}

// intValue 兼容内存存储中的 int 与 JSON 解码后的 float64。
func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// current_state 中由引擎维护的键。其余键由剧本作者自由定义。
const (
	StateScenarioTimeMinutes = "scenario_time_minutes"
	StateInjectsPublished    = "injects_published"
	StateLastInjectID        = "last_inject_id"
	StateLastInjectSeverity  = "last_inject_severity"
	StateDecisionsExecuted   = "decisions_executed"
	StateActiveCategories    = "active_categories"
	StateActiveKeywords      = "active_keywords"
	StateActiveTags          = "active_tags"
	// StateReducedDecisions 已归约的决策 ID，重复执行评估时不会重复计数。
	StateReducedDecisions    = "reduced_decision_ids"
)

// FormatState 以稳定的 key 顺序把状态快照格式化为多行文本，用于提示词。
func FormatState(state map[string]any) string {
	if len(state) == 0 {
		return "(empty)"
	}
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := state[k]
		var s string
		switch tv := v.(type) {
		case string:
			s = tv
		case []string, []any, map[string]any:
			raw, err := json.Marshal(tv)
			if err != nil {
				s = fmt.Sprint(tv)
			} else {
				s = string(raw)
			}
		default:
			s = fmt.Sprint(tv)
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CloneState 浅拷贝状态快照，切片值也复制一份。
func CloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		switch tv := v.(type) {
		case []string:
			out[k] = append([]string(nil), tv...)
		case []any:
			out[k] = append([]any(nil), tv...)
		default:
			out[k] = v
		}
	}
	return out
}

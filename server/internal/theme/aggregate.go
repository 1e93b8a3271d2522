package theme

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"crisis-drill/server/internal/model"
)

// lexicon 主题推断词表：记录未携带主题时，用标题+正文关键词推断。
var lexicon = map[string][]string{
	"casualties":     {"casualty", "casualties", "injured", "wounded", "fatalities", "dead", "victims"},
	"infrastructure": {"power", "grid", "bridge", "water supply", "outage", "road", "telecom"},
	"media":          {"press", "journalist", "reporter", "broadcast", "headline", "media"},
	"political":      {"minister", "parliament", "mayor", "government", "election", "political"},
	"economic":       {"market", "price", "economy", "supply chain", "shortage", "business"},
	"public_health":  {"hospital", "outbreak", "infection", "vaccine", "epidemic", "medical"},
	"security":       {"police", "armed", "attack", "threat", "military", "security"},
	"logistics":      {"convoy", "fuel", "shelter", "transport", "evacuation route", "logistics"},
	"misinformation": {"rumour", "rumor", "fake", "disinformation", "misinformation", "social media"},
	"environment":    {"flood", "fire", "storm", "chemical", "spill", "earthquake", "contamination"},
	"civil_unrest":   {"protest", "riot", "crowd", "looting", "unrest", "demonstration"},
}

// Known 返回词表中的全部主题，按名称排序。
func Known() []string {
	out := make([]string, 0, len(lexicon))
	for k := range lexicon {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Infer 从文本推断主题，按名称排序。
// 按整词匹配（多词短语按相邻词匹配），"deadline" 不算 "dead"。
func Infer(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	padded := " " + strings.Join(tokens, " ") + " "
	var out []string
	for theme, words := range lexicon {
		for _, w := range words {
			if strings.Contains(padded, " "+w+" ") {
				out = append(out, theme)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ThemesOf 优先使用记录自带主题，否则推断。
func ThemesOf(rec model.PublishedInject) []string {
	if len(rec.Themes) > 0 {
		out := make([]string, 0, len(rec.Themes))
		for _, t := range rec.Themes {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	return Infer(rec.Title + " " + rec.Content)
}

// Aggregate 统计会话内已发布内容的主题使用量（全局 + 按范围）。
// 纯函数，不读写存储。
func Aggregate(records []model.PublishedInject) model.ThemeUsage {
	usage := model.ThemeUsage{
		Global:  make(map[string]int),
		ByScope: make(map[model.InjectScope]map[string]int),
	}
	for _, rec := range records {
		usage.Total++
		scope := rec.Scope
		if scope == "" {
			scope = model.ScopeUniversal
		}
		if usage.ByScope[scope] == nil {
			usage.ByScope[scope] = make(map[string]int)
		}
		for _, t := range ThemesOf(rec) {
			usage.Global[t]++
			usage.ByScope[scope][t]++
		}
	}
	return usage
}

// Underused 返回使用次数最少的 n 个已知主题（次数相同按名称）。
func Underused(usage model.ThemeUsage, n int) []string {
	known := Known()
	sort.SliceStable(known, func(i, j int) bool {
		return usage.Global[known[i]] < usage.Global[known[j]]
	})
	if n > 0 && len(known) > n {
		known = known[:n]
	}
	return known
}

// Overused 返回使用次数达到阈值的主题，按次数降序。
func Overused(usage model.ThemeUsage, threshold int) []string {
	var out []string
	for t, c := range usage.Global {
		if c >= threshold {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := usage.Global[out[i]], usage.Global[out[j]]
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}

// SummarizeDecisions 生成一行决策历史摘要，用于生成提示词。
func SummarizeDecisions(decisions []model.Decision, classifications map[string]model.Classification) string {
	executed := make([]model.Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Status == model.DecisionExecuted {
			executed = append(executed, d)
		}
	}
	if len(executed) == 0 {
		return "no decisions executed yet"
	}
	sort.SliceStable(executed, func(i, j int) bool {
		return executedAt(executed[i]).Before(executedAt(executed[j]))
	})

	counts := make(map[string]int)
	for _, d := range executed {
		for _, c := range classifications[d.ID].Categories {
			counts[c]++
		}
	}
	var recurring []string
	for c, n := range counts {
		if n >= 2 {
			recurring = append(recurring, c)
		}
	}
	sort.Strings(recurring)

	latest := executed[len(executed)-1]
	summary := fmt.Sprintf("%d decisions executed; latest: %s", len(executed), strings.TrimSpace(latest.Title))
	if len(recurring) > 0 {
		summary += "; recurring categories: " + strings.Join(recurring, ", ")
	}
	return summary
}

func executedAt(d model.Decision) time.Time {
	if d.ExecutedAt != nil {
		return *d.ExecutedAt
	}
	return d.CreatedAt
}

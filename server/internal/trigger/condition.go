package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"crisis-drill/server/internal/model"
)

// ErrConditionInvalid 表示存储的触发条件无法解析（作者录入错误，不自动重试）。
var ErrConditionInvalid = errors.New("trigger condition invalid")

// MatchMode 决定多组条件之间的组合方式。
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// Form 记录条件的原始形式，仅用于诊断。
type Form string

const (
	FormStructured Form = "structured"
	FormText       Form = "text"
)

// Criteria 三组匹配词表，均已小写去重。
type Criteria struct {
	Categories   []string `json:"categories,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	SemanticTags []string `json:"semantic_tags,omitempty"`
}

// Condition 是编译后的统一谓词：两种存储形式都编译成它，求值时不再区分来源。
type Condition struct {
	Criteria Criteria  `json:"match_criteria"`
	Mode     MatchMode `json:"match_mode"`
	Form     Form      `json:"-"`
}

type structuredForm struct {
	MatchCriteria *Criteria `json:"match_criteria"`
	MatchMode     string    `json:"match_mode"`
}

// Compile 将 JSON 对象形式或紧凑文本形式（category:X AND keyword:Y）编译为 Condition。
func Compile(raw string) (Condition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Condition{}, fmt.Errorf("%w: empty", ErrConditionInvalid)
	}
	var (
		cond Condition
		err  error
	)
	if strings.HasPrefix(raw, "{") {
		cond, err = compileStructured(raw)
	} else {
		cond, err = compileText(raw)
	}
	if err != nil {
		return Condition{}, err
	}
	cond.Criteria = normalizeCriteria(cond.Criteria)
	if cond.Criteria.empty() {
		return Condition{}, fmt.Errorf("%w: no criteria", ErrConditionInvalid)
	}
	return cond, nil
}

func compileStructured(raw string) (Condition, error) {
	var sf structuredForm
	if err := json.Unmarshal([]byte(raw), &sf); err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrConditionInvalid, err)
	}
	if sf.MatchCriteria == nil {
		return Condition{}, fmt.Errorf("%w: match_criteria missing", ErrConditionInvalid)
	}
	mode := MatchMode(strings.ToLower(strings.TrimSpace(sf.MatchMode)))
	switch mode {
	case "":
		mode = MatchAny
	case MatchAny, MatchAll:
	default:
		return Condition{}, fmt.Errorf("%w: unknown match_mode %q", ErrConditionInvalid, sf.MatchMode)
	}
	return Condition{Criteria: *sf.MatchCriteria, Mode: mode, Form: FormStructured}, nil
}

// compileText 解析 "category:X AND keyword:Y" 形式。
// 同一条件内只允许一种连接词：全 AND => all，全 OR => any，单项 => any。
func compileText(raw string) (Condition, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return Condition{}, err
	}
	cond := Condition{Mode: MatchAny, Form: FormText}
	connector := ""
	expectTerm := true
	for _, tok := range tokens {
		upper := strings.ToUpper(tok)
		if upper == "AND" || upper == "OR" {
			if expectTerm {
				return Condition{}, fmt.Errorf("%w: unexpected %s", ErrConditionInvalid, upper)
			}
			if connector != "" && connector != upper {
				return Condition{}, fmt.Errorf("%w: mixed AND/OR", ErrConditionInvalid)
			}
			connector = upper
			expectTerm = true
			continue
		}
		if !expectTerm {
			return Condition{}, fmt.Errorf("%w: missing connector before %q", ErrConditionInvalid, tok)
		}
		if err := cond.addTerm(tok); err != nil {
			return Condition{}, err
		}
		expectTerm = false
	}
	if expectTerm {
		return Condition{}, fmt.Errorf("%w: dangling connector", ErrConditionInvalid)
	}
	if connector == "AND" {
		cond.Mode = MatchAll
	}
	return cond, nil
}

func (c *Condition) addTerm(tok string) error {
	prefix, value, ok := strings.Cut(tok, ":")
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if !ok || value == "" {
		return fmt.Errorf("%w: malformed term %q", ErrConditionInvalid, tok)
	}
	switch strings.ToLower(strings.TrimSpace(prefix)) {
	case "category", "categories":
		c.Criteria.Categories = append(c.Criteria.Categories, value)
	case "keyword", "keywords":
		c.Criteria.Keywords = append(c.Criteria.Keywords, value)
	case "tag", "semantic_tag", "semantic_tags":
		c.Criteria.SemanticTags = append(c.Criteria.SemanticTags, value)
	default:
		return fmt.Errorf("%w: unknown field %q", ErrConditionInvalid, prefix)
	}
	return nil
}

// tokenize 按空白切分，双引号内的空白保留（keyword:"mass casualty"）。
func tokenize(raw string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range raw {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case unicode.IsSpace(r) && !quoted:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrConditionInvalid)
	}
	flush()
	return tokens, nil
}

// Matches 判断决策分类是否满足条件。
func (c Condition) Matches(cls model.Classification) bool {
	return c.match(cls.Categories, cls.Keywords, cls.SemanticTags)
}

// MatchesState 用剧情变量快照中的 active_* 列表求值。
func (c Condition) MatchesState(state map[string]any) bool {
	return c.match(
		StringList(state[model.StateActiveCategories]),
		StringList(state[model.StateActiveKeywords]),
		StringList(state[model.StateActiveTags]),
	)
}

func (c Condition) match(categories, keywords, tags []string) bool {
	pairs := [][2][]string{
		{c.Criteria.Categories, categories},
		{c.Criteria.Keywords, keywords},
		{c.Criteria.SemanticTags, tags},
	}
	supplied, hits := 0, 0
	for _, p := range pairs {
		if len(p[0]) == 0 {
			continue
		}
		supplied++
		if intersects(p[0], p[1]) {
			hits++
		}
	}
	if supplied == 0 {
		return false
	}
	if c.Mode == MatchAll {
		return hits == supplied
	}
	return hits > 0
}

// Specificity 条件引用的不同关键词数量，数量越多越具体。
func (c Condition) Specificity() int {
	return len(c.Criteria.Keywords)
}

func (c Criteria) empty() bool {
	return len(c.Categories) == 0 && len(c.Keywords) == 0 && len(c.SemanticTags) == 0
}

func normalizeCriteria(c Criteria) Criteria {
	return Criteria{
		Categories:   Normalize(c.Categories),
		Keywords:     Normalize(c.Keywords),
		SemanticTags: Normalize(c.SemanticTags),
	}
}

// Normalize 小写、去空白、去重，保持首次出现顺序。
func Normalize(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func intersects(want, have []string) bool {
	if len(want) == 0 || len(have) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// StringList 把快照中的值（[]string 或 JSON 解码后的 []any）转成字符串切片。
func StringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

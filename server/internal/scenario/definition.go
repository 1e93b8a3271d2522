package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/trigger"

	"gopkg.in/yaml.v3"
)

// ErrInvalidInject 注入定义在录入阶段即被拒绝。
var ErrInvalidInject = errors.New("invalid scenario inject")

// ErrInvalidScenario 剧本层面的校验失败（重复 ID、目标规则等）。
var ErrInvalidScenario = errors.New("invalid scenario")

// Definition 一个剧本的完整定义。
type Definition struct {
	Scenario   model.Scenario
	Injects    []model.ScenarioInject
	Objectives []model.ScenarioObjective
}

// ValidateInject 校验单条注入定义。
// 时间触发与条件触发都为空的注入在这里被拒绝，不会进入调度器。
func ValidateInject(inj model.ScenarioInject) error {
	if strings.TrimSpace(inj.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInject)
	}
	hasCondition := inj.TriggerCondition != nil && strings.TrimSpace(*inj.TriggerCondition) != ""
	if inj.TriggerTimeMinutes == nil && !hasCondition {
		return fmt.Errorf("%w: inject %s needs trigger_time_minutes or trigger_condition", ErrInvalidInject, inj.ID)
	}
	if inj.TriggerTimeMinutes != nil && *inj.TriggerTimeMinutes < 0 {
		return fmt.Errorf("%w: inject %s has negative trigger_time_minutes", ErrInvalidInject, inj.ID)
	}
	if !inj.Scope.Valid() {
		return fmt.Errorf("%w: inject %s has unknown scope %q", ErrInvalidInject, inj.ID, inj.Scope)
	}
	if !inj.Severity.Valid() {
		return fmt.Errorf("%w: inject %s has unknown severity %q", ErrInvalidInject, inj.ID, inj.Severity)
	}
	if inj.Scope == model.ScopeTeamSpecific && len(inj.TargetTeams) == 0 {
		return fmt.Errorf("%w: team_specific inject %s has no target_teams", ErrInvalidInject, inj.ID)
	}
	if inj.Scope == model.ScopeRoleSpecific && len(inj.AffectedRoles) == 0 {
		return fmt.Errorf("%w: role_specific inject %s has no affected_roles", ErrInvalidInject, inj.ID)
	}
	if hasCondition {
		if _, err := trigger.Compile(*inj.TriggerCondition); err != nil {
			return fmt.Errorf("%w: inject %s: %w", ErrInvalidInject, inj.ID, err)
		}
	}
	return nil
}

// Validate 校验整个剧本，返回所有问题的合并错误。
func (d *Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Scenario.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: scenario id is required", ErrInvalidScenario))
	}
	seen := make(map[string]bool, len(d.Injects))
	for _, inj := range d.Injects {
		if seen[inj.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate inject id %s", ErrInvalidScenario, inj.ID))
		}
		seen[inj.ID] = true
		if err := ValidateInject(inj); err != nil {
			errs = append(errs, err)
		}
	}
	for _, obj := range d.Objectives {
		if strings.TrimSpace(obj.ID) == "" {
			errs = append(errs, fmt.Errorf("%w: objective id is required", ErrInvalidScenario))
		}
		for i, rule := range obj.Rules {
			if rule.Kind != model.RulePenalty && rule.Kind != model.RuleBonus {
				errs = append(errs, fmt.Errorf("%w: objective %s rule %d has unknown kind %q", ErrInvalidScenario, obj.ID, i, rule.Kind))
			}
			if rule.Points < 0 {
				errs = append(errs, fmt.Errorf("%w: objective %s rule %d has negative points", ErrInvalidScenario, obj.ID, i))
			}
			if _, err := trigger.Compile(rule.Condition); err != nil {
				errs = append(errs, fmt.Errorf("%w: objective %s rule %d: %w", ErrInvalidScenario, obj.ID, i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Prepare 在入库前补齐定义并校验，各个 Repo 实现共用。
func Prepare(def *Definition) error {
	def.normalize()
	return def.Validate()
}

// normalize 补齐归属关系与录入顺序。
func (d *Definition) normalize() {
	for i := range d.Injects {
		d.Injects[i].ScenarioID = d.Scenario.ID
		d.Injects[i].Seq = i + 1
		d.Injects[i].Severity = model.Severity(strings.ToLower(string(d.Injects[i].Severity)))
		if d.Injects[i].Scope == "" {
			d.Injects[i].Scope = model.ScopeUniversal
		}
	}
	for i := range d.Objectives {
		d.Objectives[i].ScenarioID = d.Scenario.ID
	}
}

// fileInject 是 YAML 中的注入写法；trigger_condition 可以是映射也可以是字符串。
type fileInject struct {
	ID                 string    `yaml:"id"`
	Title              string    `yaml:"title"`
	Content            string    `yaml:"content"`
	Severity           string    `yaml:"severity"`
	Scope              string    `yaml:"scope"`
	TriggerTimeMinutes *int      `yaml:"trigger_time_minutes"`
	TriggerCondition   yaml.Node `yaml:"trigger_condition"`
	TargetTeams        []string  `yaml:"target_teams"`
	AffectedRoles      []string  `yaml:"affected_roles"`
	Themes             []string  `yaml:"themes"`
}

type fileRule struct {
	Condition yaml.Node `yaml:"condition"`
	Kind      string    `yaml:"kind"`
	Points    float64   `yaml:"points"`
	Reason    string    `yaml:"reason"`
}

type fileObjective struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Rules       []fileRule `yaml:"rules"`
}

type file struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Injects     []fileInject    `yaml:"injects"`
	Objectives  []fileObjective `yaml:"objectives"`
}

// Parse 解析 YAML 剧本并校验。
func Parse(data []byte) (*Definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	def := &Definition{
		Scenario: model.Scenario{ID: f.ID, Title: f.Title, Description: f.Description},
	}
	for _, fi := range f.Injects {
		cond, err := conditionString(&fi.TriggerCondition)
		if err != nil {
			return nil, fmt.Errorf("%w: inject %s: %v", ErrInvalidInject, fi.ID, err)
		}
		def.Injects = append(def.Injects, model.ScenarioInject{
			ID:                 fi.ID,
			Title:              fi.Title,
			Content:            fi.Content,
			Severity:           model.Severity(fi.Severity),
			Scope:              model.InjectScope(fi.Scope),
			TriggerTimeMinutes: fi.TriggerTimeMinutes,
			TriggerCondition:   cond,
			TargetTeams:        fi.TargetTeams,
			AffectedRoles:      fi.AffectedRoles,
			Themes:             fi.Themes,
		})
	}
	for _, fo := range f.Objectives {
		obj := model.ScenarioObjective{ID: fo.ID, Title: fo.Title, Description: fo.Description}
		for _, fr := range fo.Rules {
			cond, err := conditionString(&fr.Condition)
			if err != nil {
				return nil, fmt.Errorf("%w: objective %s: %v", ErrInvalidScenario, fo.ID, err)
			}
			rule := model.ObjectiveRule{Kind: model.ObjectiveRuleKind(fr.Kind), Points: fr.Points, Reason: fr.Reason}
			if cond != nil {
				rule.Condition = *cond
			}
			obj.Rules = append(obj.Rules, rule)
		}
		def.Objectives = append(def.Objectives, obj)
	}

	def.normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile 从文件加载剧本。
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir 加载目录下所有 .yaml/.yml 剧本，按文件名排序。
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// conditionString 把映射形式序列化为 JSON，字符串原样保留，空节点返回 nil。
func conditionString(node *yaml.Node) (*string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		s := node.Value
		return &s, nil
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode trigger condition: %w", err)
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode trigger condition: %w", err)
		}
		s := string(raw)
		return &s, nil
	default:
		return nil, fmt.Errorf("trigger condition must be a mapping or a string")
	}
}

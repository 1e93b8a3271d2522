package model

import (
	"strings"
	"time"
)

// SessionStatus 会话生命周期状态。
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionLobby      SessionStatus = "lobby"
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Session 保存了一次演练会话的状态信息。
type Session struct {
	// 唯一标识一个会话。
	ID string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	// 关联的剧本。
	ScenarioID string `gorm:"type:varchar(64);index;not null" json:"scenario_id"`
	// 当前生命周期状态，调度器只处理 in_progress。
	Status SessionStatus `gorm:"type:varchar(32);index;not null" json:"status"`

	// StartedAt 是剧情时间的墙钟锚点，首次进入 in_progress 时写入。
	StartedAt *time.Time `json:"started_at,omitempty"`
	// PausedAt 非空表示当前处于暂停。
	PausedAt *time.Time `json:"paused_at,omitempty"`
	// PausedTotal 累计暂停时长，计算剧情时间时扣除。
	PausedTotal time.Duration `gorm:"not null;default:0" json:"paused_total"`

	// CurrentState 剧情变量快照（自由 key/value）。
	CurrentState map[string]any `gorm:"type:text;serializer:json" json:"current_state"`
	// Version 乐观锁版本号，CurrentState 的每次更新都要求版本匹配。
	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ElapsedMinutes 返回剧情已经过的分钟数（扣除暂停时长）。
// 未开始的会话返回 0；暂停中的会话时间停在 PausedAt。
func (s *Session) ElapsedMinutes(now time.Time) float64 {
	if s == nil || s.StartedAt == nil {
		return 0
	}
	end := now
	if s.PausedAt != nil {
		end = *s.PausedAt
	}
	elapsed := end.Sub(*s.StartedAt) - s.PausedTotal
	if elapsed < 0 {
		return 0
	}
	return elapsed.Minutes()
}

// Severity 注入事件的严重程度。
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank 返回可比较的等级，未知值为 0。
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid 判断是否为已知等级。
func (s Severity) Valid() bool { return s.Rank() > 0 }

// InjectScope 注入事件的可见范围。
type InjectScope string

const (
	ScopeUniversal    InjectScope = "universal"
	ScopeRoleSpecific InjectScope = "role_specific"
	ScopeTeamSpecific InjectScope = "team_specific"
)

// Valid 判断是否为已知范围。
func (s InjectScope) Valid() bool {
	switch s {
	case ScopeUniversal, ScopeRoleSpecific, ScopeTeamSpecific:
		return true
	}
	return false
}

// Scenario 剧本定义。
type Scenario struct {
	ID          string `gorm:"primaryKey;type:varchar(64)" json:"id" yaml:"id"`
	Title       string `gorm:"not null" json:"title" yaml:"title"`
	Description string `gorm:"type:text" json:"description" yaml:"description"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ScenarioInject 剧本中的一条注入事件定义（属于剧本而不是会话）。
type ScenarioInject struct {
	ScenarioID string `gorm:"primaryKey;type:varchar(64)" json:"scenario_id"`
	ID         string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	// Seq 是作者录入顺序，用于稳定的平局裁决。
	Seq int `gorm:"not null;default:0" json:"seq"`

	// Title/Content 为空表示需要动态生成。
	Title    string      `gorm:"type:text" json:"title,omitempty"`
	Content  string      `gorm:"type:text" json:"content,omitempty"`
	Severity Severity    `gorm:"type:varchar(16);not null" json:"severity"`
	Scope    InjectScope `gorm:"type:varchar(32);not null" json:"scope"`

	// TriggerTimeMinutes 与 TriggerCondition 至少存在一个。
	TriggerTimeMinutes *int `json:"trigger_time_minutes,omitempty"`
	// TriggerCondition 原样保存（JSON 对象或紧凑文本），加载时编译为统一谓词。
	TriggerCondition *string `gorm:"type:text" json:"trigger_condition,omitempty"`

	TargetTeams   []string `gorm:"type:text;serializer:json" json:"target_teams,omitempty"`
	AffectedRoles []string `gorm:"type:text;serializer:json" json:"affected_roles,omitempty"`
	// Themes 作者标注的主题，静态内容发布时写入台账。
	Themes []string `gorm:"type:text;serializer:json" json:"themes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasStaticContent 判断是否带有作者编写的静态正文。
func (i *ScenarioInject) HasStaticContent() bool {
	return strings.TrimSpace(i.Content) != ""
}

// ObjectiveRuleKind 目标规则类型。
type ObjectiveRuleKind string

const (
	RulePenalty ObjectiveRuleKind = "penalty"
	RuleBonus   ObjectiveRuleKind = "bonus"
)

// ObjectiveRule 当决策分类满足 Condition 时对目标进度加分或扣分。
type ObjectiveRule struct {
	Condition string            `json:"condition" yaml:"condition"`
	Kind      ObjectiveRuleKind `json:"kind" yaml:"kind"`
	Points    float64           `json:"points" yaml:"points"`
	Reason    string            `json:"reason" yaml:"reason"`
}

// ScenarioObjective 剧本定义的训练目标。
type ScenarioObjective struct {
	ScenarioID  string          `gorm:"primaryKey;type:varchar(64)" json:"scenario_id" yaml:"-"`
	ID          string          `gorm:"primaryKey;type:varchar(64)" json:"id" yaml:"id"`
	Title       string          `gorm:"not null" json:"title" yaml:"title"`
	Description string          `gorm:"type:text" json:"description" yaml:"description"`
	Rules       []ObjectiveRule `gorm:"type:text;serializer:json" json:"rules" yaml:"rules"`
}

// PublishPath 注入事件是经由哪条路径发布的。
type PublishPath string

const (
	PathTime     PublishPath = "time"
	PathDecision PublishPath = "decision"
	PathState    PublishPath = "state"
)

// PublishedInject 幂等台账的一行：每个 (session_id, inject_id) 至多一行。
type PublishedInject struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"type:varchar(64);not null;uniqueIndex:ux_published_session_inject" json:"session_id"`
	InjectID  string `gorm:"type:varchar(64);not null;uniqueIndex:ux_published_session_inject" json:"inject_id"`

	Path            PublishPath `gorm:"type:varchar(16)" json:"path"`
	CauseDecisionID string      `gorm:"type:varchar(64)" json:"cause_decision_id,omitempty"`

	// 实际展示给参训者的内容。
	Title    string      `gorm:"type:text" json:"title"`
	Content  string      `gorm:"type:text" json:"content"`
	Severity Severity    `gorm:"type:varchar(16)" json:"severity"`
	Scope    InjectScope `gorm:"type:varchar(32)" json:"scope"`
	Themes   []string    `gorm:"type:text;serializer:json" json:"themes,omitempty"`

	PublishedAt time.Time `gorm:"not null" json:"published_at"`
}

// InjectState 注入事件在训练员队列中的状态。
type InjectState string

const (
	InjectPendingGeneration InjectState = "pending_generation"
	InjectNeedsReview       InjectState = "needs_review"
	InjectPublished         InjectState = "published"
	InjectWaiting           InjectState = "waiting"
)

// InjectStatus 生成失败/需复核的被动状态，不参与“是否已发布”的判断。
type InjectStatus struct {
	ID         int64       `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID  string      `gorm:"type:varchar(64);not null;uniqueIndex:ux_status_session_inject" json:"session_id"`
	InjectID   string      `gorm:"type:varchar(64);not null;uniqueIndex:ux_status_session_inject" json:"inject_id"`
	State      InjectState `gorm:"type:varchar(32);not null" json:"state"`
	Attempts   int         `gorm:"not null;default:0" json:"attempts"`
	LastReason string      `gorm:"type:text" json:"last_reason,omitempty"`
	// Flagged 连续失败达到阈值后置位，仅供训练员知悉。
	Flagged   bool      `gorm:"not null;default:false" json:"flagged"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EscalationFactor 升级/降级因素。
type EscalationFactor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// EscalationPathway 升级/降级路径。
// Behaviours 在升级路径中是触发行为，在降级路径中是缓解行为。
type EscalationPathway struct {
	ID                 string   `json:"id"`
	Trajectory         string   `json:"trajectory"`
	Behaviours         []string `json:"behaviours"`
	EmergingChallenges []string `json:"emerging_challenges,omitempty"`
}

// EscalationSnapshot 一次重算的结果，写入后不可变。
type EscalationSnapshot struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID   string    `gorm:"type:varchar(64);not null;index:ix_snapshot_session_time" json:"session_id"`
	EvaluatedAt time.Time `gorm:"not null;index:ix_snapshot_session_time" json:"evaluated_at"`

	Factors              []EscalationFactor  `gorm:"type:text;serializer:json" json:"factors"`
	Pathways             []EscalationPathway `gorm:"type:text;serializer:json" json:"pathways"`
	DeEscalationFactors  []EscalationFactor  `gorm:"type:text;serializer:json" json:"de_escalation_factors"`
	DeEscalationPathways []EscalationPathway `gorm:"type:text;serializer:json" json:"de_escalation_pathways"`
}

// DecisionStatus 决策生命周期状态。
type DecisionStatus string

const (
	DecisionProposed    DecisionStatus = "proposed"
	DecisionUnderReview DecisionStatus = "under_review"
	DecisionApproved    DecisionStatus = "approved"
	DecisionRejected    DecisionStatus = "rejected"
	DecisionExecuted    DecisionStatus = "executed"
	DecisionCancelled   DecisionStatus = "cancelled"
)

// Decision 会话中参训者提出的决策。
type Decision struct {
	ID          string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID   string         `gorm:"type:varchar(64);index;not null" json:"session_id"`
	Title       string         `gorm:"type:text" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	Status      DecisionStatus `gorm:"type:varchar(32);not null" json:"status"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Classification 决策执行后由 AI 计算一次并缓存的分类结果。
type Classification struct {
	DecisionID   string    `gorm:"primaryKey;type:varchar(64)" json:"decision_id"`
	Categories   []string  `gorm:"type:text;serializer:json" json:"categories"`
	Keywords     []string  `gorm:"type:text;serializer:json" json:"keywords"`
	SemanticTags []string  `gorm:"type:text;serializer:json" json:"semantic_tags"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// ObjectiveEntry 一条加分/扣分记录，Cause* 指向触发原因。
type ObjectiveEntry struct {
	Kind            ObjectiveRuleKind `json:"kind"`
	Points          float64           `json:"points"`
	Reason          string            `json:"reason"`
	RuleIndex       int               `json:"rule_index"`
	CauseDecisionID string            `json:"cause_decision_id,omitempty"`
	CauseInjectID   string            `json:"cause_inject_id,omitempty"`
	AppliedAt       time.Time         `json:"applied_at"`
}

// ObjectiveProgress 会话内某个目标的进度。
type ObjectiveProgress struct {
	ID          int64            `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string           `gorm:"type:varchar(64);not null;uniqueIndex:ux_objective_session" json:"session_id"`
	ObjectiveID string           `gorm:"type:varchar(64);not null;uniqueIndex:ux_objective_session" json:"objective_id"`
	Progress    float64          `gorm:"not null;default:0" json:"progress"`
	Entries     []ObjectiveEntry `gorm:"type:text;serializer:json" json:"entries"`
	Version     int64            `gorm:"not null;default:0" json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HasEntry 判断同一决策的同一规则是否已经计分。
func (p *ObjectiveProgress) HasEntry(decisionID string, ruleIndex int) bool {
	for _, e := range p.Entries {
		if e.CauseDecisionID == decisionID && e.RuleIndex == ruleIndex {
			return true
		}
	}
	return false
}

// InjectContent 注入事件的最终内容（静态或生成）。
type InjectContent struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Severity Severity `json:"severity"`
	Themes   []string `json:"themes,omitempty"`
	// UnresolvedProblem 生成内容必须保留的未解决问题。
	UnresolvedProblem string `json:"unresolved_problem,omitempty"`
}

// ThemeUsage 会话内已发布内容的主题计数（按需重算，不落库）。
type ThemeUsage struct {
	Global  map[string]int                 `json:"global"`
	ByScope map[InjectScope]map[string]int `json:"by_scope"`
	Total   int                            `json:"total"`
}

// EventTypeInject 是注入发布事件的类型。
const EventTypeInject = "inject"

// InjectPayload 事件日志与扇出频道共用的载荷。
type InjectPayload struct {
	InjectID string      `json:"inject_id"`
	Scope    InjectScope `json:"scope"`
	Title    string      `json:"title"`
	Content  string      `json:"content"`
	Severity Severity    `json:"severity"`
}

// SessionEvent 表示 session_events 追加日志中的一条事件。
type SessionEvent struct {
	// Seq 由存储分配的单调序号，反映实际发布顺序。
	Seq int64 `gorm:"primaryKey;autoIncrement" json:"seq"`
	// EventID 用于客户端去重与重试幂等。
	EventID   string `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_id"`
	SessionID string `gorm:"type:varchar(64);index;not null" json:"session_id"`
	EventType string `gorm:"type:varchar(32);not null" json:"event_type"`
	// Actor 为空表示系统事件。
	Actor     *string       `gorm:"type:varchar(64)" json:"actor"`
	Payload   InjectPayload `gorm:"type:text;serializer:json" json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

func (Classification) TableName() string    { return "decision_classifications" }
func (ObjectiveProgress) TableName() string { return "objective_progress" }

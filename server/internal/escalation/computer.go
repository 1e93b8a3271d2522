package escalation

import (
	"context"
	"fmt"
	"time"

	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Input 一次态势评估所需的上下文。
type Input struct {
	SessionID     string
	Scenario      model.Scenario
	State         map[string]any
	Objectives    []model.ScenarioObjective
	Progress      []model.ObjectiveProgress
	RecentInjects []model.PublishedInject
}

// Computer 态势评估器：四个顺序阶段，每个阶段独立调用 LLM。
//
// 契约：
// - 任一阶段失败（提供商错误、超时、输出越界）只影响该阶段，结果为空数组；
// - 每次评估都追加一条新快照，从不修改旧快照；
// - LLM 调用使用与调用方取消解耦的 context，只受 timeout 约束。
type Computer struct {
	client  llm.Client
	store   Store
	log     *logger.Logger
	metrics *observability.OrchestratorCollector
	timeout time.Duration
	now     func() time.Time
}

func NewComputer(client llm.Client, store Store, log *logger.Logger, metrics *observability.OrchestratorCollector, timeout time.Duration) *Computer {
	if log == nil {
		log = logger.Nop()
	}
	return &Computer{
		client:  client,
		store:   store,
		log:     log.With("component", "escalation"),
		metrics: metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock 替换时钟，供测试使用。
func (c *Computer) WithClock(now func() time.Time) *Computer {
	c.now = now
	return c
}

// Compute 运行四个阶段并持久化快照。只有写入失败时返回错误。
func (c *Computer) Compute(ctx context.Context, in Input) (*model.EscalationSnapshot, error) {
	ctx, span := observability.Tracer().Start(ctx, "escalation.compute")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", in.SessionID))

	snap := &model.EscalationSnapshot{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
	}

	snap.Factors = c.factorStage(ctx, StageEscalationFactors, "ef", in, snap)
	snap.DeEscalationFactors = c.factorStage(ctx, StageDeEscalationFactors, "df", in, snap)

	if len(snap.Factors) > 0 {
		snap.Pathways = c.pathwayStage(ctx, StageEscalationPathways, "ep", false, in, snap)
	} else {
		snap.Pathways = []model.EscalationPathway{}
	}
	if len(snap.DeEscalationFactors) > 0 {
		snap.DeEscalationPathways = c.pathwayStage(ctx, StageDeEscalationPathways, "dp", true, in, snap)
	} else {
		snap.DeEscalationPathways = []model.EscalationPathway{}
	}

	snap.EvaluatedAt = c.now()
	if err := c.store.Append(ctx, snap); err != nil {
		return nil, fmt.Errorf("append escalation snapshot: %w", err)
	}

	c.log.Info("escalation snapshot computed",
		"session_id", in.SessionID,
		"snapshot_id", snap.ID,
		"factors", len(snap.Factors),
		"de_escalation_factors", len(snap.DeEscalationFactors),
		"pathways", len(snap.Pathways),
		"de_escalation_pathways", len(snap.DeEscalationPathways),
	)
	return snap, nil
}

func (c *Computer) factorStage(ctx context.Context, stage, idPrefix string, in Input, snap *model.EscalationSnapshot) []model.EscalationFactor {
	var resp factorsResponse
	if err := c.call(ctx, stage, buildStagePrompt(stage, in, snap), factorSchema(stage), &resp); err != nil {
		c.stageFailed(in.SessionID, stage, err)
		return []model.EscalationFactor{}
	}
	factors, err := boundFactors(resp.Factors, idPrefix)
	if err != nil {
		c.stageFailed(in.SessionID, stage, err)
		return []model.EscalationFactor{}
	}
	return factors
}

func (c *Computer) pathwayStage(ctx context.Context, stage, idPrefix string, withChallenges bool, in Input, snap *model.EscalationSnapshot) []model.EscalationPathway {
	var resp pathwaysResponse
	if err := c.call(ctx, stage, buildStagePrompt(stage, in, snap), pathwaySchema(stage, withChallenges), &resp); err != nil {
		c.stageFailed(in.SessionID, stage, err)
		return []model.EscalationPathway{}
	}
	pathways, err := boundPathways(resp.Pathways, idPrefix, withChallenges)
	if err != nil {
		c.stageFailed(in.SessionID, stage, err)
		return []model.EscalationPathway{}
	}
	return pathways
}

func (c *Computer) call(ctx context.Context, stage, prompt string, schema *llm.JSONSchema, out any) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.client.Complete(callCtx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, schema)
	c.metrics.ObserveProviderCall(stage, time.Since(start))
	if err != nil {
		return err
	}
	return llm.DecodeJSON(raw, out)
}

func (c *Computer) stageFailed(sessionID, stage string, err error) {
	c.metrics.IncEscalationStageFailure(stage)
	c.log.Warn("escalation stage failed; defaulting to empty",
		"session_id", sessionID,
		"stage", stage,
		"error", err,
	)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/fanout"
	"crisis-drill/server/internal/generator"
	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/theme"
	"crisis-drill/server/internal/timeline"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContentGenerator 生成注入内容。
type ContentGenerator interface {
	Generate(ctx context.Context, gc generator.GenerationContext) (model.InjectContent, error)
}

// Stores 编排器依赖的全部存储。
type Stores struct {
	Sessions        session.Store
	Ledger          ledger.Store
	Statuses        ledger.StatusStore
	Timeline        timeline.Store
	Snapshots       escalation.Store
	Decisions       decision.Store
	Classifications classifier.Store
}

// PublishRequest 一次发布尝试。
type PublishRequest struct {
	SessionID string
	Scenario  model.Scenario
	Inject    model.ScenarioInject
	Trigger   generator.Trigger
}

// Pipeline 是计时路径与决策路径共用的发布流水线。
//
// 顺序与契约：
// - 已在台账中的注入直接跳过；
// - 静态内容直接使用，否则调用生成器；生成失败记入训练员队列，本次不发布；
// - TryClaim 是发出前的最后一步，未认领到说明其他路径已经发布，静默跳过；
// - 认领成功后 append-first 写时间线，再归约剧情变量，最后推送到会话频道。
type Pipeline struct {
	stores      Stores
	generator   ContentGenerator
	objectives  *objective.Service
	publisher   fanout.Publisher
	log         *logger.Logger
	metrics     *observability.OrchestratorCollector
	maxAttempts int
	now         func() time.Time
}

func NewPipeline(stores Stores, gen ContentGenerator, objectives *objective.Service, publisher fanout.Publisher, log *logger.Logger, metrics *observability.OrchestratorCollector, maxAttempts int) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		stores:      stores,
		generator:   gen,
		objectives:  objectives,
		publisher:   publisher,
		log:         log.With("component", "pipeline"),
		metrics:     metrics,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// WithClock 替换时钟，供测试使用。
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Publish 执行一次发布尝试。published=false 且 err=nil 表示已被发布过。
func (p *Pipeline) Publish(ctx context.Context, req PublishRequest) (bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("inject_id", req.Inject.ID),
		attribute.String("path", string(req.Trigger.Path)),
	)

	published, err := p.stores.Ledger.IsPublished(ctx, req.SessionID, req.Inject.ID)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	if published {
		return false, nil
	}

	content, err := p.content(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		p.recordFailure(ctx, req, err)
		return false, err
	}

	rec := &model.PublishedInject{
		SessionID: req.SessionID,
		InjectID:  req.Inject.ID,
		Path:      req.Trigger.Path,
		Title:     content.Title,
		Content:   content.Content,
		Severity:  content.Severity,
		Scope:     req.Inject.Scope,
		Themes:    content.Themes,
	}
	if req.Trigger.Decision != nil {
		rec.CauseDecisionID = req.Trigger.Decision.ID
	}
	rec.PublishedAt = p.now()

	claimed, err := p.stores.Ledger.TryClaim(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("claim inject %s: %w", req.Inject.ID, err)
	}
	if !claimed {
		p.metrics.IncClaimConflict()
		p.log.Debug("inject already claimed; skipping", "session_id", req.SessionID, "inject_id", req.Inject.ID, "path", req.Trigger.Path)
		return false, nil
	}

	evt := timeline.NewInjectEvent(uuid.NewString(), req.SessionID, model.InjectPayload{
		InjectID: rec.InjectID,
		Scope:    rec.Scope,
		Title:    rec.Title,
		Content:  rec.Content,
		Severity: rec.Severity,
	})
	evt.CreatedAt = rec.PublishedAt
	if _, err := p.stores.Timeline.Append(ctx, evt); err != nil {
		p.log.Error("timeline append failed after claim", "session_id", req.SessionID, "inject_id", rec.InjectID, "error", err)
		return true, fmt.Errorf("append inject event: %w", err)
	}

	if _, err := session.UpdateState(ctx, p.stores.Sessions, req.SessionID, func(state map[string]any) {
		ReduceInject(state, *rec)
	}); err != nil {
		p.log.Warn("reduce inject into session state failed", "session_id", req.SessionID, "inject_id", rec.InjectID, "error", err)
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, fanout.FromTimeline(evt)); err != nil {
			p.log.Warn("fanout publish failed", "session_id", req.SessionID, "inject_id", rec.InjectID, "error", err)
		}
	}

	p.metrics.IncPublished(string(req.Trigger.Path))
	p.log.Info("inject published",
		"session_id", req.SessionID,
		"inject_id", rec.InjectID,
		"path", rec.Path,
		"seq", evt.Seq,
		"severity", rec.Severity,
	)
	return true, nil
}

func (p *Pipeline) content(ctx context.Context, req PublishRequest) (model.InjectContent, error) {
	inj := req.Inject
	if inj.HasStaticContent() {
		title := strings.TrimSpace(inj.Title)
		if title == "" {
			title = inj.ID
		}
		return model.InjectContent{
			Title:    title,
			Content:  inj.Content,
			Severity: inj.Severity,
			Themes:   inj.Themes,
		}, nil
	}
	if p.generator == nil {
		return model.InjectContent{}, &generator.Error{Kind: generator.KindGenerationFailed, Err: errors.New("no generator configured")}
	}
	gc, err := p.generationContext(ctx, req)
	if err != nil {
		return model.InjectContent{}, &generator.Error{Kind: generator.KindGenerationFailed, Err: err}
	}
	return p.generator.Generate(ctx, gc)
}

// generationContext 汇总快照、主题使用量、决策摘要与稳健度。
// 读取失败的部分留空，不阻止生成。
func (p *Pipeline) generationContext(ctx context.Context, req PublishRequest) (generator.GenerationContext, error) {
	gc := generator.GenerationContext{
		Scenario: req.Scenario,
		Inject:   req.Inject,
		Trigger:  req.Trigger,
	}

	records, err := p.stores.Ledger.ListPublished(ctx, req.SessionID)
	if err != nil {
		return gc, fmt.Errorf("list published: %w", err)
	}
	gc.Usage = theme.Aggregate(records)

	if p.stores.Snapshots != nil {
		snap, err := p.stores.Snapshots.Latest(ctx, req.SessionID)
		switch {
		case err == nil:
			gc.Snapshot = snap
		case errors.Is(err, escalation.ErrNoSnapshot):
		default:
			p.log.Warn("load escalation snapshot failed", "session_id", req.SessionID, "error", err)
		}
	}

	gc.DecisionSummary = p.decisionSummary(ctx, req.SessionID)

	var progress []model.ObjectiveProgress
	if p.objectives != nil {
		if progress, err = p.objectives.Progress(ctx, req.SessionID); err != nil {
			p.log.Warn("load objective progress failed", "session_id", req.SessionID, "error", err)
		}
	}
	gc.Robustness = theme.InferRobustness(gc.Snapshot, progress)
	return gc, nil
}

func (p *Pipeline) decisionSummary(ctx context.Context, sessionID string) string {
	if p.stores.Decisions == nil {
		return ""
	}
	decisions, err := p.stores.Decisions.ListBySession(ctx, sessionID)
	if err != nil {
		p.log.Warn("list decisions failed", "session_id", sessionID, "error", err)
		return ""
	}
	classes := make(map[string]model.Classification)
	if p.stores.Classifications != nil {
		for _, d := range decisions {
			if d.Status != model.DecisionExecuted {
				continue
			}
			if cls, err := p.stores.Classifications.Get(ctx, d.ID); err == nil {
				classes[d.ID] = *cls
			}
		}
	}
	return theme.SummarizeDecisions(decisions, classes)
}

func (p *Pipeline) recordFailure(ctx context.Context, req PublishRequest, err error) {
	kind := generator.KindOf(err)
	p.metrics.IncGenerationFailure(string(kind))
	p.log.Warn("inject generation failed",
		"session_id", req.SessionID,
		"inject_id", req.Inject.ID,
		"path", req.Trigger.Path,
		"kind", kind,
		"error", err,
	)
	if p.stores.Statuses == nil {
		return
	}
	st, serr := p.stores.Statuses.RecordFailure(ctx, req.SessionID, req.Inject.ID, err.Error(), p.maxAttempts)
	if serr != nil {
		p.log.Warn("record generation failure failed", "session_id", req.SessionID, "inject_id", req.Inject.ID, "error", serr)
		return
	}
	if st.Flagged {
		p.log.Warn("inject flagged for trainer attention", "session_id", req.SessionID, "inject_id", req.Inject.ID, "attempts", st.Attempts)
	}
}

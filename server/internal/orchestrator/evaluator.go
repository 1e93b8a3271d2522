package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/generator"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/trigger"

	"go.opentelemetry.io/otel/attribute"
)

// DecisionClassifier 返回决策的（缓存）分类。
type DecisionClassifier interface {
	Classify(ctx context.Context, d model.Decision) (model.Classification, error)
}

// Evaluation 一次决策评估的结果。
type Evaluation struct {
	Classification model.Classification   `json:"classification"`
	Published      []string               `json:"published"`
	Scored         []model.ObjectiveEntry `json:"scored"`
}

// DecisionEvaluator 决策执行后评估条件注入与目标计分。
//
// 注入发布与目标计分相互独立：一方失败只记日志，不阻止另一方。
type DecisionEvaluator struct {
	stores     Stores
	scenarios  scenario.Repo
	classifier DecisionClassifier
	objectives *objective.Service
	pipeline   *Pipeline
	log        *logger.Logger
	now        func() time.Time
}

func NewDecisionEvaluator(stores Stores, scenarios scenario.Repo, cls DecisionClassifier, objectives *objective.Service, pipeline *Pipeline, log *logger.Logger) *DecisionEvaluator {
	if log == nil {
		log = logger.Nop()
	}
	return &DecisionEvaluator{
		stores:     stores,
		scenarios:  scenarios,
		classifier: cls,
		objectives: objectives,
		pipeline:   pipeline,
		log:        log.With("component", "decision_evaluator"),
		now:        time.Now,
	}
}

// WithClock 替换时钟，供测试使用。
func (e *DecisionEvaluator) WithClock(now func() time.Time) *DecisionEvaluator {
	e.now = now
	return e
}

// Transition 迁移决策状态；迁移到 executed 时同步执行评估。
func (e *DecisionEvaluator) Transition(ctx context.Context, sessionID, decisionID string, to model.DecisionStatus) (*model.Decision, *Evaluation, error) {
	d, err := e.stores.Decisions.Get(ctx, decisionID)
	if err != nil {
		return nil, nil, err
	}
	if d.SessionID != sessionID {
		return nil, nil, decision.ErrNotFound
	}
	d, err = decision.Apply(ctx, e.stores.Decisions, decisionID, to, e.now())
	if err != nil {
		return nil, nil, err
	}
	if to != model.DecisionExecuted {
		return d, nil, nil
	}
	eval, err := e.OnDecisionExecuted(ctx, sessionID, decisionID)
	return d, eval, err
}

// OnDecisionExecuted 分类决策、匹配条件注入并发布，同时按目标规则计分。
// 只有分类失败或读取会话/剧本失败时返回错误。
func (e *DecisionEvaluator) OnDecisionExecuted(ctx context.Context, sessionID, decisionID string) (*Evaluation, error) {
	ctx, span := observability.Tracer().Start(ctx, "decision.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.String("decision_id", decisionID))

	d, err := e.stores.Decisions.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DecisionExecuted {
		return nil, fmt.Errorf("%w: decision %s is %s", decision.ErrInvalidTransition, d.ID, d.Status)
	}
	sess, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sc, err := e.scenarios.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", sess.ScenarioID, err)
	}

	// 分类错误已带 decision id
	cls, err := e.classifier.Classify(ctx, *d)
	if err != nil {
		return nil, err
	}
	eval := &Evaluation{Classification: cls}

	if _, err := session.UpdateState(ctx, e.stores.Sessions, sessionID, func(state map[string]any) {
		ReduceDecision(state, *d, cls)
	}); err != nil {
		e.log.Warn("reduce decision into session state failed", "session_id", sessionID, "decision_id", d.ID, "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eval.Scored = e.score(ctx, sessionID, *sc, *d, cls)
	}()
	go func() {
		defer wg.Done()
		eval.Published = e.publishMatches(ctx, sess, *sc, *d, cls)
	}()
	wg.Wait()

	e.log.Info("decision evaluated",
		"session_id", sessionID,
		"decision_id", d.ID,
		"categories", cls.Categories,
		"published", len(eval.Published),
		"scored", len(eval.Scored),
	)
	return eval, nil
}

func (e *DecisionEvaluator) score(ctx context.Context, sessionID string, sc model.Scenario, d model.Decision, cls model.Classification) []model.ObjectiveEntry {
	if e.objectives == nil {
		return nil
	}
	objectives, err := e.scenarios.ListObjectives(ctx, sc.ID)
	if err != nil {
		e.log.Warn("load objectives failed", "session_id", sessionID, "error", err)
		return nil
	}
	entries, err := e.objectives.ApplyDecision(ctx, sessionID, d.ID, objectives, cls)
	if err != nil {
		e.log.Warn("objective scoring incomplete", "session_id", sessionID, "decision_id", d.ID, "error", err)
	}
	return entries
}

func (e *DecisionEvaluator) publishMatches(ctx context.Context, sess *model.Session, sc model.Scenario, d model.Decision, cls model.Classification) []string {
	injects, err := e.scenarios.ListInjects(ctx, sc.ID)
	if err != nil {
		e.log.Warn("load injects failed", "session_id", sess.ID, "error", err)
		return nil
	}
	pending, err := pendingInjects(ctx, e.stores.Ledger, e.stores.Statuses, sess.ID, injects)
	if err != nil {
		e.log.Warn("load pending injects failed", "session_id", sess.ID, "error", err)
		return nil
	}

	candidates := compileConditional(ctx, e.stores.Statuses, e.log, sess.ID, pending)
	selected := trigger.SelectPerScope(trigger.Rank(trigger.MatchDecision(candidates, cls)))

	elapsed := sess.ElapsedMinutes(e.now())
	var published []string
	for _, c := range selected {
		ok, err := e.pipeline.Publish(ctx, PublishRequest{
			SessionID: sess.ID,
			Scenario:  sc,
			Inject:    c.Inject,
			Trigger: generator.Trigger{
				Path:           model.PathDecision,
				ElapsedMinutes: elapsed,
				Decision:       &d,
				Classification: &cls,
			},
		})
		if err != nil {
			e.log.Warn("decision-triggered publish failed", "session_id", sess.ID, "inject_id", c.Inject.ID, "decision_id", d.ID, "error", err)
			continue
		}
		if ok {
			published = append(published, c.Inject.ID)
		}
	}
	return published
}

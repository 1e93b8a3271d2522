package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/generator"
	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/trigger"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// recentInjectsForEscalation 态势评估时带入的最近注入数。
const recentInjectsForEscalation = 5

// EscalationComputer 计算并持久化态势快照。
type EscalationComputer interface {
	Compute(ctx context.Context, in escalation.Input) (*model.EscalationSnapshot, error)
}

// DecisionRetrier 重新评估已执行的决策。
type DecisionRetrier interface {
	OnDecisionExecuted(ctx context.Context, sessionID, decisionID string) (*Evaluation, error)
}

// ErrSchedulerRunning Start 被重复调用。
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler 会话轮询器：每个 tick 扫描进行中的会话，发布到时的注入并按周期重算态势。
//
// 契约：
// - 获取会话列表失败时跳过本次 tick，不影响下一次；
// - 单个会话的错误或 panic 只影响该会话；
// - 会话以有限并发处理，同一会话在一个 tick 内只处理一次；
// - 态势重算在后台进行，不阻塞注入发布，同一会话同时至多一个；
// - 已执行但尚无分类的决策在每个 tick 重新评估。
type Scheduler struct {
	stores     Stores
	scenarios  scenario.Repo
	escalation EscalationComputer
	evaluator  DecisionRetrier
	objectives *objective.Service
	pipeline   *Pipeline
	log        *logger.Logger
	metrics    *observability.OrchestratorCollector
	cfg        config.OrchestratorConfig
	now        func() time.Time

	mu         sync.Mutex
	ticks      int64
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	escalating map[string]bool
	background sync.WaitGroup
}

func NewScheduler(stores Stores, scenarios scenario.Repo, esc EscalationComputer, objectives *objective.Service, pipeline *Pipeline, cfg config.OrchestratorConfig, log *logger.Logger, metrics *observability.OrchestratorCollector) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		stores:     stores,
		scenarios:  scenarios,
		escalation: esc,
		objectives: objectives,
		pipeline:   pipeline,
		log:        log.With("component", "scheduler"),
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
		escalating: make(map[string]bool),
	}
}

// WithClock 替换时钟，供测试使用。
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithDecisionRetrier 设置决策重评估器；为空时不重试分类失败的决策。
func (s *Scheduler) WithDecisionRetrier(r DecisionRetrier) *Scheduler {
	s.evaluator = r
	return s
}

// Start 启动轮询循环。auto_injects_enabled=false 时只记日志，不启动循环。
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.AutoInjectsEnabled {
		s.log.Info("auto injects disabled; scheduler not started")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	interval := s.cfg.PollInterval()
	go s.loop(loopCtx, interval, s.done)
	s.log.Info("scheduler started", "interval", interval, "workers", s.workers())
	return nil
}

// Stop 停止循环并等待进行中的 tick 结束。未启动时直接返回。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.waitEscalations()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Warn("tick skipped", "error", err)
			}
		}
	}
}

// Tick 执行一次轮询。只有获取会话列表失败时返回错误。
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.ticks++
	tick := s.ticks
	s.mu.Unlock()

	ctx, span := observability.Tracer().Start(ctx, "scheduler.tick")
	defer span.End()
	span.SetAttributes(attribute.Int64("tick", tick))

	sessions, err := s.stores.Sessions.ListByStatus(ctx, model.SessionInProgress)
	if err != nil {
		s.metrics.IncSessionFetchFailure()
		span.RecordError(err)
		return fmt.Errorf("fetch in-progress sessions: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.workers())
	for i := range sessions {
		sess := sessions[i]
		g.Go(func() error {
			s.runSession(ctx, &sess, tick)
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.ObserveTick(time.Since(start))
	return nil
}

func (s *Scheduler) workers() int {
	if s.cfg.Workers <= 0 {
		return 1
	}
	return s.cfg.Workers
}

func (s *Scheduler) escalationDue(tick int64) bool {
	every := int64(s.cfg.EscalationEveryTicks)
	return s.escalation != nil && every > 0 && tick%every == 0
}

func (s *Scheduler) runSession(ctx context.Context, sess *model.Session, tick int64) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncSessionFault()
			s.log.Error("session processing panicked", "session_id", sess.ID, "panic", r)
		}
	}()
	if err := s.processSession(ctx, sess, tick); err != nil {
		s.metrics.IncSessionFault()
		s.log.Warn("session processing failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Scheduler) processSession(ctx context.Context, sess *model.Session, tick int64) error {
	now := s.now()
	elapsed := sess.ElapsedMinutes(now)

	updated, err := session.UpdateState(ctx, s.stores.Sessions, sess.ID, func(state map[string]any) {
		RecordElapsed(state, elapsed)
	})
	if err != nil {
		return fmt.Errorf("record scenario time: %w", err)
	}
	state := updated.CurrentState

	sc, err := s.scenarios.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return fmt.Errorf("load scenario %s: %w", sess.ScenarioID, err)
	}
	injects, err := s.scenarios.ListInjects(ctx, sess.ScenarioID)
	if err != nil {
		return fmt.Errorf("load injects: %w", err)
	}

	pending, err := pendingInjects(ctx, s.stores.Ledger, s.stores.Statuses, sess.ID, injects)
	if err != nil {
		return err
	}

	for _, inj := range trigger.DueByTime(pending, elapsed) {
		s.publish(ctx, PublishRequest{
			SessionID: sess.ID,
			Scenario:  *sc,
			Inject:    inj,
			Trigger:   generator.Trigger{Path: model.PathTime, ElapsedMinutes: elapsed},
		})
	}

	candidates := compileConditional(ctx, s.stores.Statuses, s.log, sess.ID, pending)
	for _, c := range trigger.SelectPerScope(trigger.Rank(trigger.MatchState(candidates, state))) {
		s.publish(ctx, PublishRequest{
			SessionID: sess.ID,
			Scenario:  *sc,
			Inject:    c.Inject,
			Trigger:   generator.Trigger{Path: model.PathState, ElapsedMinutes: elapsed},
		})
	}

	s.retryUnclassified(ctx, sess.ID)

	if s.escalationDue(tick) {
		s.startEscalation(ctx, sess.ID, *sc, state)
	}
	return nil
}

// retryUnclassified 重新评估已执行但分类未落库的决策（例如分类时提供商超时）。
// 评估本身幂等：已发布的注入与已计分的规则不会重复。
func (s *Scheduler) retryUnclassified(ctx context.Context, sessionID string) {
	if s.evaluator == nil || s.stores.Decisions == nil || s.stores.Classifications == nil {
		return
	}
	decisions, err := s.stores.Decisions.ListBySession(ctx, sessionID)
	if err != nil {
		s.log.Warn("list decisions failed", "session_id", sessionID, "error", err)
		return
	}
	for _, d := range decisions {
		if d.Status != model.DecisionExecuted {
			continue
		}
		_, err := s.stores.Classifications.Get(ctx, d.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, classifier.ErrNotFound) {
			s.log.Warn("load classification failed", "session_id", sessionID, "decision_id", d.ID, "error", err)
			continue
		}
		eval, err := s.evaluator.OnDecisionExecuted(ctx, sessionID, d.ID)
		if err != nil {
			s.log.Warn("decision re-evaluation failed", "session_id", sessionID, "decision_id", d.ID, "error", err)
			continue
		}
		s.log.Info("decision re-evaluated", "session_id", sessionID, "decision_id", d.ID, "published", len(eval.Published))
	}
}

// startEscalation 在后台重算态势；该会话上一次重算未结束时跳过。
func (s *Scheduler) startEscalation(ctx context.Context, sessionID string, sc model.Scenario, state map[string]any) {
	s.mu.Lock()
	if s.escalating[sessionID] {
		s.mu.Unlock()
		s.log.Debug("escalation still running; skipped", "session_id", sessionID)
		return
	}
	s.escalating[sessionID] = true
	s.background.Add(1)
	s.mu.Unlock()

	state = model.CloneState(state)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.IncSessionFault()
				s.log.Error("escalation panicked", "session_id", sessionID, "panic", r)
			}
			s.mu.Lock()
			delete(s.escalating, sessionID)
			s.mu.Unlock()
		}()
		s.computeEscalation(bg, sessionID, sc, state)
	}()
}

// waitEscalations 等待后台态势重算结束。
func (s *Scheduler) waitEscalations() {
	s.background.Wait()
}

func (s *Scheduler) publish(ctx context.Context, req PublishRequest) {
	if _, err := s.pipeline.Publish(ctx, req); err != nil {
		// 生成失败已记入训练员队列，下一个 tick 会重试
		s.log.Debug("publish attempt failed", "session_id", req.SessionID, "inject_id", req.Inject.ID, "error", err)
	}
}

func (s *Scheduler) computeEscalation(ctx context.Context, sessionID string, sc model.Scenario, state map[string]any) {
	in := escalation.Input{
		SessionID: sessionID,
		Scenario:  sc,
		State:     model.CloneState(state),
	}
	if objectives, err := s.scenarios.ListObjectives(ctx, sc.ID); err == nil {
		in.Objectives = objectives
	}
	if s.objectives != nil {
		if progress, err := s.objectives.Progress(ctx, sessionID); err == nil {
			in.Progress = progress
		}
	}
	if records, err := s.stores.Ledger.ListPublished(ctx, sessionID); err == nil {
		sort.SliceStable(records, func(i, j int) bool { return records[i].PublishedAt.Before(records[j].PublishedAt) })
		if len(records) > recentInjectsForEscalation {
			records = records[len(records)-recentInjectsForEscalation:]
		}
		in.RecentInjects = records
	}
	if _, err := s.escalation.Compute(ctx, in); err != nil {
		s.log.Warn("escalation recompute failed", "session_id", sessionID, "error", err)
	}
}

// pendingInjects 过滤掉已发布和需复核的注入。
func pendingInjects(ctx context.Context, led ledger.Store, statuses ledger.StatusStore, sessionID string, injects []model.ScenarioInject) ([]model.ScenarioInject, error) {
	records, err := led.ListPublished(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	published := ledger.PublishedSet(records)

	review := map[string]bool{}
	if statuses != nil {
		list, err := statuses.ListStatuses(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list inject statuses: %w", err)
		}
		review = ledger.NeedsReview(list)
	}

	out := make([]model.ScenarioInject, 0, len(injects))
	for _, inj := range injects {
		if published[inj.ID] || review[inj.ID] {
			continue
		}
		out = append(out, inj)
	}
	return out, nil
}

// compileConditional 编译条件注入；无法编译的标记为需复核，之后不再自动重试。
func compileConditional(ctx context.Context, statuses ledger.StatusStore, log *logger.Logger, sessionID string, injects []model.ScenarioInject) []trigger.Candidate {
	candidates, invalid := trigger.CompileCatalog(injects)
	for _, bad := range invalid {
		log.Warn("trigger condition invalid; needs review", "session_id", sessionID, "inject_id", bad.Inject.ID, "error", bad.Err)
		if statuses == nil {
			continue
		}
		if err := statuses.MarkNeedsReview(ctx, sessionID, bad.Inject.ID, bad.Err.Error()); err != nil {
			log.Warn("mark needs review failed", "session_id", sessionID, "inject_id", bad.Inject.ID, "error", err)
		}
	}
	return candidates
}

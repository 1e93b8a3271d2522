package objective

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/trigger"
)

const maxUpdateRetries = 8

// Service 目标计分：决策分类命中规则时加分或扣分。
// 与注入发布相互独立，失败只记日志。
type Service struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log.With("component", "objective"), now: time.Now}
}

// WithClock 替换时钟，供测试使用。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initialize 会话进入 in_progress 时为每个剧本目标建一行进度。
func (s *Service) Initialize(ctx context.Context, sessionID string, objectives []model.ScenarioObjective) error {
	ids := make([]string, 0, len(objectives))
	for _, o := range objectives {
		ids = append(ids, o.ID)
	}
	if err := s.store.Initialize(ctx, sessionID, ids); err != nil {
		return fmt.Errorf("initialize objectives: %w", err)
	}
	return nil
}

// Progress 返回会话全部目标的进度。
func (s *Service) Progress(ctx context.Context, sessionID string) ([]model.ObjectiveProgress, error) {
	return s.store.List(ctx, sessionID)
}

// ApplyDecision 对每个目标应用命中的规则，返回新写入的记录。
// 同一决策的同一规则只计分一次，重复调用是幂等的。进度限制在 0..100。
func (s *Service) ApplyDecision(ctx context.Context, sessionID, decisionID string, objectives []model.ScenarioObjective, cls model.Classification) ([]model.ObjectiveEntry, error) {
	var (
		applied []model.ObjectiveEntry
		errs    []error
	)
	for _, obj := range objectives {
		matched := matchingRules(obj, cls)
		if len(matched) == 0 {
			continue
		}
		entries, err := s.apply(ctx, sessionID, decisionID, obj, matched)
		if err != nil {
			s.log.Warn("objective scoring failed", "session_id", sessionID, "objective_id", obj.ID, "decision_id", decisionID, "error", err)
			errs = append(errs, fmt.Errorf("objective %s: %w", obj.ID, err))
			continue
		}
		applied = append(applied, entries...)
	}
	return applied, errors.Join(errs...)
}

func matchingRules(obj model.ScenarioObjective, cls model.Classification) []int {
	var out []int
	for i, rule := range obj.Rules {
		cond, err := trigger.Compile(rule.Condition)
		if err != nil {
			continue
		}
		if cond.Matches(cls) {
			out = append(out, i)
		}
	}
	return out
}

func (s *Service) apply(ctx context.Context, sessionID, decisionID string, obj model.ScenarioObjective, rules []int) ([]model.ObjectiveEntry, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		p, err := s.store.Get(ctx, sessionID, obj.ID)
		if errors.Is(err, ErrNotFound) {
			if err := s.store.Initialize(ctx, sessionID, []string{obj.ID}); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		var added []model.ObjectiveEntry
		for _, idx := range rules {
			if p.HasEntry(decisionID, idx) {
				continue
			}
			rule := obj.Rules[idx]
			delta := rule.Points
			if rule.Kind == model.RulePenalty {
				delta = -delta
			}
			p.Progress = clamp(p.Progress + delta)
			entry := model.ObjectiveEntry{
				Kind:            rule.Kind,
				Points:          rule.Points,
				Reason:          rule.Reason,
				RuleIndex:       idx,
				CauseDecisionID: decisionID,
				AppliedAt:       s.now(),
			}
			p.Entries = append(p.Entries, entry)
			added = append(added, entry)
		}
		if len(added) == 0 {
			return nil, nil
		}
		err = s.store.Update(ctx, p)
		if err == nil {
			return added, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrVersionConflict, maxUpdateRetries)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

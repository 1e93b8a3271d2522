package orchestrator

import (
	"context"
	"fmt"
	"time"

	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"

	"github.com/google/uuid"
)

// Sessions 会话生命周期入口：创建会话与状态迁移。
type Sessions struct {
	store      session.Store
	scenarios  scenario.Repo
	objectives *objective.Service
	log        *logger.Logger
	now        func() time.Time
}

func NewSessions(store session.Store, scenarios scenario.Repo, objectives *objective.Service, log *logger.Logger) *Sessions {
	if log == nil {
		log = logger.Nop()
	}
	return &Sessions{
		store:      store,
		scenarios:  scenarios,
		objectives: objectives,
		log:        log.With("component", "sessions"),
		now:        time.Now,
	}
}

// WithClock 替换时钟，供测试使用。
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Create 为剧本创建一个 scheduled 会话。id 为空时生成。
func (s *Sessions) Create(ctx context.Context, id, scenarioID string) (*model.Session, error) {
	if _, err := s.scenarios.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	sess := &model.Session{
		ID:           id,
		ScenarioID:   scenarioID,
		Status:       model.SessionScheduled,
		CurrentState: map[string]any{},
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("session created", "session_id", sess.ID, "scenario_id", scenarioID)
	return sess, nil
}

// Transition 迁移会话状态；首次进入 in_progress 时初始化目标进度。
func (s *Sessions) Transition(ctx context.Context, id string, to model.SessionStatus) (*model.Session, error) {
	var started bool
	sess, err := session.Mutate(ctx, s.store, id, func(cur *model.Session) error {
		var err error
		started, err = session.Transition(cur, to, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	if started && s.objectives != nil {
		objectives, err := s.scenarios.ListObjectives(ctx, sess.ScenarioID)
		if err != nil {
			return sess, fmt.Errorf("load objectives: %w", err)
		}
		if err := s.objectives.Initialize(ctx, sess.ID, objectives); err != nil {
			return sess, err
		}
	}
	s.log.Info("session transitioned", "session_id", id, "status", to, "started", started)
	return sess, nil
}

package scenario

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

var ErrNotFound = errors.New("scenario not found")

// Repo 剧本只读视图加上录入入口。引擎只读取，Upsert 用于启动时导入。
type Repo interface {
	GetScenario(ctx context.Context, id string) (*model.Scenario, error)
	// ListInjects 按录入顺序返回剧本的注入定义。
	ListInjects(ctx context.Context, scenarioID string) ([]model.ScenarioInject, error)
	ListObjectives(ctx context.Context, scenarioID string) ([]model.ScenarioObjective, error)
	// Upsert 校验后整体替换剧本定义。
	Upsert(ctx context.Context, def *Definition) error
}

// InMemoryRepo 是一个基于内存的剧本仓库。
type InMemoryRepo struct {
	mu   sync.RWMutex
	defs map[string]Definition
	now  func() time.Time
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{defs: make(map[string]Definition), now: time.Now}
}

func (r *InMemoryRepo) GetScenario(_ context.Context, id string) (*model.Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	sc := def.Scenario
	return &sc, nil
}

func (r *InMemoryRepo) ListInjects(_ context.Context, scenarioID string) ([]model.ScenarioInject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[scenarioID]
	if !ok {
		return nil, ErrNotFound
	}
	out := append([]model.ScenarioInject(nil), def.Injects...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *InMemoryRepo) ListObjectives(_ context.Context, scenarioID string) ([]model.ScenarioObjective, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[scenarioID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]model.ScenarioObjective(nil), def.Objectives...), nil
}

func (r *InMemoryRepo) Upsert(_ context.Context, def *Definition) error {
	if err := Prepare(def); err != nil {
		return err
	}
	now := r.now()
	cp := Definition{
		Scenario:   def.Scenario,
		Injects:    append([]model.ScenarioInject(nil), def.Injects...),
		Objectives: append([]model.ScenarioObjective(nil), def.Objectives...),
	}
	if cp.Scenario.CreatedAt.IsZero() {
		cp.Scenario.CreatedAt = now
	}
	cp.Scenario.UpdatedAt = now
	for i := range cp.Injects {
		if cp.Injects[i].CreatedAt.IsZero() {
			cp.Injects[i].CreatedAt = now
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Scenario.ID] = cp
	return nil
}

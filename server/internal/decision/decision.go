package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

var (
	ErrNotFound          = errors.New("decision not found")
	ErrAlreadyExists     = errors.New("decision already exists")
	ErrInvalidTransition = errors.New("invalid decision transition")
)

var transitions = map[model.DecisionStatus][]model.DecisionStatus{
	model.DecisionProposed:    {model.DecisionUnderReview, model.DecisionCancelled},
	model.DecisionUnderReview: {model.DecisionApproved, model.DecisionRejected, model.DecisionCancelled},
	model.DecisionApproved:    {model.DecisionExecuted, model.DecisionCancelled},
}

// Transition 执行决策生命周期迁移；进入 executed 时记录执行时间。
// rejected/executed/cancelled 为终态。
func Transition(d *model.Decision, to model.DecisionStatus, now time.Time) error {
	allowed := false
	for _, next := range transitions[d.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	if to == model.DecisionExecuted {
		t := now
		d.ExecutedAt = &t
	}
	d.Status = to
	return nil
}

// Store 决策存储。
type Store interface {
	Create(ctx context.Context, d *model.Decision) error
	Get(ctx context.Context, id string) (*model.Decision, error)
	// Update 仅当存储中的状态仍为 from 时写入，防止并发重复执行同一决策。
	Update(ctx context.Context, d *model.Decision, from model.DecisionStatus) error
	ListBySession(ctx context.Context, sessionID string) ([]model.Decision, error)
}

// InMemoryStore 是一个基于内存的决策存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Decision
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.Decision), now: time.Now}
}

func (s *InMemoryStore) Create(_ context.Context, d *model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, d.ID)
	}
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.data[d.ID] = *d
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *InMemoryStore) Update(_ context.Context, d *model.Decision, from model.DecisionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: decision %s is %s, expected %s", ErrInvalidTransition, d.ID, cur.Status, from)
	}
	d.UpdatedAt = s.now()
	s.data[d.ID] = *d
	return nil
}

func (s *InMemoryStore) ListBySession(_ context.Context, sessionID string) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Decision
	for _, d := range s.data {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Apply 读取决策、执行迁移并条件写回。
func Apply(ctx context.Context, store Store, id string, to model.DecisionStatus, now time.Time) (*model.Decision, error) {
	d, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := d.Status
	if err := Transition(d, to, now); err != nil {
		return nil, err
	}
	if err := store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	return d, nil
}

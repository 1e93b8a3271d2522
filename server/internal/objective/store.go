package objective

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

var (
	ErrNotFound        = errors.New("objective progress not found")
	ErrVersionConflict = errors.New("objective progress version conflict")
)

// Store 目标进度存储，每个 (session_id, objective_id) 一行。
type Store interface {
	// Initialize 为缺失的目标创建进度行，已存在的保持不变。
	Initialize(ctx context.Context, sessionID string, objectiveIDs []string) error
	Get(ctx context.Context, sessionID, objectiveID string) (*model.ObjectiveProgress, error)
	List(ctx context.Context, sessionID string) ([]model.ObjectiveProgress, error)
	// Update 版本匹配时写入并把版本加一，否则返回 ErrVersionConflict。
	Update(ctx context.Context, p *model.ObjectiveProgress) error
}

type key struct{ session, objective string }

// InMemoryStore 是一个基于内存的目标进度存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[key]model.ObjectiveProgress
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[key]model.ObjectiveProgress), now: time.Now}
}

func (s *InMemoryStore) Initialize(_ context.Context, sessionID string, objectiveIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range objectiveIDs {
		k := key{sessionID, id}
		if _, ok := s.data[k]; ok {
			continue
		}
		s.data[k] = model.ObjectiveProgress{SessionID: sessionID, ObjectiveID: id, UpdatedAt: s.now()}
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID, objectiveID string) (*model.ObjectiveProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[key{sessionID, objectiveID}]
	if !ok {
		return nil, ErrNotFound
	}
	p.Entries = append([]model.ObjectiveEntry(nil), p.Entries...)
	return &p, nil
}

func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.ObjectiveProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ObjectiveProgress
	for k, p := range s.data {
		if k.session == sessionID {
			p.Entries = append([]model.ObjectiveEntry(nil), p.Entries...)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectiveID < out[j].ObjectiveID })
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, p *model.ObjectiveProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{p.SessionID, p.ObjectiveID}
	cur, ok := s.data[k]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = s.now()
	cp := *p
	cp.Entries = append([]model.ObjectiveEntry(nil), p.Entries...)
	s.data[k] = cp
	return nil
}

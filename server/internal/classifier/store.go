package classifier

import (
	"context"
	"errors"
	"sync"

	"crisis-drill/server/internal/model"
)

var ErrNotFound = errors.New("classification not found")

// Store 分类缓存，以 decision_id 为主键。
type Store interface {
	Get(ctx context.Context, decisionID string) (*model.Classification, error)
	// Insert 仅在不存在时写入；已存在时返回已存储的记录且 created=false。
	Insert(ctx context.Context, cls *model.Classification) (stored *model.Classification, created bool, err error)
}

// InMemoryStore 是一个基于内存的分类存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Classification
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.Classification)}
}

func (s *InMemoryStore) Get(_ context.Context, decisionID string) (*model.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cls, ok := s.data[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cls, nil
}

func (s *InMemoryStore) Insert(_ context.Context, cls *model.Classification) (*model.Classification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[cls.DecisionID]; ok {
		return &existing, false, nil
	}
	s.data[cls.DecisionID] = *cls
	stored := *cls
	return &stored, true, nil
}

// Len 返回记录数，用于测试。
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

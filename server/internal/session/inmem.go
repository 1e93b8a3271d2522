package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Session 存储实现。
// 读写都做深拷贝，调用方拿到的会话可以随意修改。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Session
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.Session), now: time.Now}
}

func (s *InMemoryStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[sess.ID]; ok {
		return ErrAlreadyExists
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.data[sess.ID] = clone(*sess)
	return nil
}

// Get 根据 ID 获取会话副本。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(sess)
	return &out, nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status model.SessionStatus) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Session
	for _, sess := range s.data {
		if sess.Status == status {
			out = append(out, clone(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = s.now()
	s.data[sess.ID] = clone(*sess)
	return nil
}

func clone(s model.Session) model.Session {
	if s.CurrentState != nil {
		s.CurrentState = model.CloneState(s.CurrentState)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		s.PausedAt = &t
	}
	return s
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

type key struct{ session, inject string }

// InMemoryStore 单进程实现：一把互斥锁下的 check-then-insert 与唯一约束等价。
// 多实例部署必须使用 storage 包中的数据库实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	records  map[key]model.PublishedInject
	statuses map[key]model.InjectStatus
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[key]model.PublishedInject),
		statuses: make(map[key]model.InjectStatus),
		now:      time.Now,
	}
}

func (s *InMemoryStore) TryClaim(_ context.Context, rec *model.PublishedInject) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{rec.SessionID, rec.InjectID}
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = s.now()
	}
	s.records[k] = *rec

	// 发布后清掉失败状态
	if st, ok := s.statuses[k]; ok {
		st.State = model.InjectPublished
		st.UpdatedAt = rec.PublishedAt
		s.statuses[k] = st
	}
	return true, nil
}

func (s *InMemoryStore) IsPublished(_ context.Context, sessionID, injectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key{sessionID, injectID}]
	return ok, nil
}

func (s *InMemoryStore) ListPublished(_ context.Context, sessionID string) ([]model.PublishedInject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PublishedInject
	for k, r := range s.records {
		if k.session == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RecordFailure(_ context.Context, sessionID, injectID, reason string, maxAttempts int) (*model.InjectStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, injectID}
	st := s.statuses[k]
	st.SessionID, st.InjectID = sessionID, injectID
	st.State = model.InjectPendingGeneration
	st.Attempts++
	st.LastReason = reason
	st.Flagged = maxAttempts > 0 && st.Attempts >= maxAttempts
	st.UpdatedAt = s.now()
	s.statuses[k] = st
	return &st, nil
}

func (s *InMemoryStore) MarkNeedsReview(_ context.Context, sessionID, injectID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, injectID}
	st := s.statuses[k]
	st.SessionID, st.InjectID = sessionID, injectID
	st.State = model.InjectNeedsReview
	st.LastReason = reason
	st.Flagged = true
	st.UpdatedAt = s.now()
	s.statuses[k] = st
	return nil
}

func (s *InMemoryStore) ListStatuses(_ context.Context, sessionID string) ([]model.InjectStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.InjectStatus
	for k, st := range s.statuses {
		if k.session == sessionID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InjectID < out[j].InjectID })
	return out, nil
}

package timeline

import (
	"context"
	"sync"
	"time"

	"crisis-drill/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	events   map[string][]model.SessionEvent
	eventIDs map[string]int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]model.SessionEvent),
		eventIDs: make(map[string]int64),
		now:      time.Now,
	}
}

// Append 追加事件并分配单调递增 seq。
// 副作用：会修改内存状态；相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, evt *model.SessionEvent) (int64, error) {
	if evt.EventID == "" {
		return 0, ErrEventIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, exists := s.eventIDs[evt.EventID]; exists {
		return seq, nil
	}

	s.seq++
	evt.Seq = s.seq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now()
	}
	s.events[evt.SessionID] = append(s.events[evt.SessionID], *evt)
	s.eventIDs[evt.EventID] = evt.Seq
	return evt.Seq, nil
}

// List 返回某个 session 的全部事件（按 seq 顺序）。
// 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	out := make([]model.SessionEvent, len(events))
	copy(out, events)
	return out, nil
}

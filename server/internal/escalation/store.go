package escalation

import (
	"context"
	"errors"
	"sync"

	"crisis-drill/server/internal/model"
)

// ErrNoSnapshot 会话还没有任何态势快照。
var ErrNoSnapshot = errors.New("escalation snapshot not found")

// Store 态势快照存储，只追加不覆盖。
type Store interface {
	// Append 写入一条新快照；已写入的快照不可修改。
	Append(ctx context.Context, snap *model.EscalationSnapshot) error
	// Latest 返回最近一次评估的快照；没有时返回 ErrNoSnapshot。
	Latest(ctx context.Context, sessionID string) (*model.EscalationSnapshot, error)
	// List 按评估时间升序返回全部快照，用于复盘。
	List(ctx context.Context, sessionID string) ([]model.EscalationSnapshot, error)
}

// InMemoryStore 是一个基于内存的快照存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]model.EscalationSnapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]model.EscalationSnapshot)}
}

func (s *InMemoryStore) Append(_ context.Context, snap *model.EscalationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.SessionID] = append(s.data[snap.SessionID], *snap)
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context, sessionID string) (*model.EscalationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.data[sessionID]
	if len(snaps) == 0 {
		return nil, ErrNoSnapshot
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if !snap.EvaluatedAt.Before(latest.EvaluatedAt) {
			latest = snap
		}
	}
	return &latest, nil
}

func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.EscalationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EscalationSnapshot, len(s.data[sessionID]))
	copy(out, s.data[sessionID])
	return out, nil
}

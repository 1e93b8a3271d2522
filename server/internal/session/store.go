package session

import (
	"context"
	"errors"
	"fmt"

	"crisis-drill/server/internal/model"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyExists   = errors.New("session already exists")
	ErrVersionConflict = errors.New("session version conflict")
)

// Store 会话存储。所有修改都是带版本号的单行条件更新（乐观锁），
// 多个调度实例并发写同一会话时不会互相覆盖。
type Store interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error)
	// Update 仅当存储中的版本等于 s.Version 时写入，成功后 s.Version 加一；
	// 否则返回 ErrVersionConflict。
	Update(ctx context.Context, s *model.Session) error
}

const maxUpdateRetries = 8

// Mutate 读取-修改-条件写入，版本冲突时重新读取并重试。
// fn 可能被调用多次，必须只依赖传入的会话。
func Mutate(ctx context.Context, store Store, id string, fn func(s *model.Session) error) (*model.Session, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		s, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		err = store.Update(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update session %s: %w after %d attempts", id, ErrVersionConflict, maxUpdateRetries)
}

// UpdateState 在乐观锁保护下修改 current_state。
func UpdateState(ctx context.Context, store Store, id string, fn func(state map[string]any)) (*model.Session, error) {
	return Mutate(ctx, store, id, func(s *model.Session) error {
		if s.CurrentState == nil {
			s.CurrentState = make(map[string]any)
		}
		fn(s.CurrentState)
		return nil
	})
}

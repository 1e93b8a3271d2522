package session

import (
	"errors"
	"fmt"
	"time"

	"crisis-drill/server/internal/model"
)

var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionScheduled:  {model.SessionLobby, model.SessionCancelled},
	model.SessionLobby:      {model.SessionInProgress, model.SessionCancelled},
	model.SessionInProgress: {model.SessionPaused, model.SessionCompleted, model.SessionCancelled},
	model.SessionPaused:     {model.SessionInProgress, model.SessionCompleted, model.SessionCancelled},
}

// CanTransition 判断状态迁移是否合法。completed/cancelled 是终态。
func CanTransition(from, to model.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 在会话上执行状态迁移并维护时间锚点。
//
// - 首次进入 in_progress 写入 StartedAt，返回 started=true；
// - 进入 paused 记录 PausedAt；从 paused 恢复时把暂停时长累加到 PausedTotal；
// - 从 paused 直接结束时同样结算暂停时长。
func Transition(s *model.Session, to model.SessionStatus, now time.Time) (started bool, err error) {
	if !CanTransition(s.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	if s.Status == model.SessionPaused && s.PausedAt != nil {
		if d := now.Sub(*s.PausedAt); d > 0 {
			s.PausedTotal += d
		}
		s.PausedAt = nil
	}

	switch to {
	case model.SessionInProgress:
		if s.StartedAt == nil {
			t := now
			s.StartedAt = &t
			started = true
		}
	case model.SessionPaused:
		t := now
		s.PausedAt = &t
	}

	s.Status = to
	return started, nil
}

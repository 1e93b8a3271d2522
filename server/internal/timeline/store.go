package timeline

import (
	"context"
	"errors"

	"crisis-drill/server/internal/model"
)

// ErrEventIDRequired 事件必须带 EventID，重试时才能幂等。
var ErrEventIDRequired = errors.New("timeline: event_id is required")

// Store 是 session_events 追加日志。
type Store interface {
	// Append 以 append-first 的契约写入事件，返回本次写入的 seq。
	// 约定：seq 单调递增，反映实际发布顺序；相同 EventID 的请求幂等返回同一 seq。
	Append(ctx context.Context, evt *model.SessionEvent) (int64, error)
	// List 按 seq 返回该 session 的全量事件，用于回放与复盘。
	List(ctx context.Context, sessionID string) ([]model.SessionEvent, error)
}

// NewInjectEvent 构造一条注入发布事件（actor 为空表示系统事件）。
func NewInjectEvent(eventID, sessionID string, payload model.InjectPayload) *model.SessionEvent {
	return &model.SessionEvent{
		EventID:   eventID,
		SessionID: sessionID,
		EventType: model.EventTypeInject,
		Payload:   payload,
	}
}

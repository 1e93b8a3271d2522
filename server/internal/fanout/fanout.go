package fanout

import (
	"context"

	"crisis-drill/server/internal/model"
)

// DefaultChannelPrefix 会话频道前缀，频道名为 session:<id>。
const DefaultChannelPrefix = "session:"

// Event 推送给参训者客户端的一条消息。
type Event struct {
	SessionID string              `json:"session_id"`
	Seq       int64               `json:"seq"`
	EventID   string              `json:"event_id"`
	Type      string              `json:"type"`
	Payload   model.InjectPayload `json:"payload"`
}

// Publisher 把事件推送到会话频道。推送是尽力而为的，失败不影响已写入的台账和时间线。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Channel 返回会话对应的频道名。
func Channel(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + sessionID
}

// FromTimeline 由时间线事件构造推送消息。
func FromTimeline(evt *model.SessionEvent) Event {
	return Event{
		SessionID: evt.SessionID,
		Seq:       evt.Seq,
		EventID:   evt.EventID,
		Type:      evt.EventType,
		Payload:   evt.Payload,
	}
}

package ledger

import (
	"context"

	"crisis-drill/server/internal/model"
)

// Store 幂等台账：每个 (session_id, inject_id) 至多一行，是“是否已发布”的唯一依据。
type Store interface {
	// TryClaim 原子地插入台账行（不存在才插入）。
	// claimed=false 表示其他路径已经发布过，调用方应静默跳过，这不是错误。
	TryClaim(ctx context.Context, rec *model.PublishedInject) (claimed bool, err error)
	IsPublished(ctx context.Context, sessionID, injectID string) (bool, error)
	// ListPublished 按发布时间升序返回会话的台账。
	ListPublished(ctx context.Context, sessionID string) ([]model.PublishedInject, error)
}

// StatusStore 训练员队列中的被动状态（生成失败次数、需复核）。
// 与台账相互独立：状态只供展示，不决定是否发布。
type StatusStore interface {
	// RecordFailure 记一次生成失败；attempts 达到 maxAttempts 时置 flagged，之后仍继续重试。
	RecordFailure(ctx context.Context, sessionID, injectID, reason string, maxAttempts int) (*model.InjectStatus, error)
	// MarkNeedsReview 标记为需要训练员复核（触发条件无法解析），调度器不再自动重试。
	MarkNeedsReview(ctx context.Context, sessionID, injectID, reason string) error
	ListStatuses(ctx context.Context, sessionID string) ([]model.InjectStatus, error)
}

// NeedsReview 从状态列表中取出需复核的 inject 集合。
func NeedsReview(statuses []model.InjectStatus) map[string]bool {
	out := make(map[string]bool)
	for _, st := range statuses {
		if st.State == model.InjectNeedsReview {
			out[st.InjectID] = true
		}
	}
	return out
}

// PublishedSet 把台账转成 inject_id 集合。
func PublishedSet(records []model.PublishedInject) map[string]bool {
	out := make(map[string]bool, len(records))
	for _, r := range records {
		out[r.InjectID] = true
	}
	return out
}

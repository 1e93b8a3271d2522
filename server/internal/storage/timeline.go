package storage

import (
	"context"
	"strings"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/timeline"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TimelineRepo 是 session_events 追加日志的数据库实现。seq 由自增主键分配。
type TimelineRepo struct {
	db *gorm.DB
}

var _ timeline.Store = (*TimelineRepo)(nil)

func NewTimelineRepo(db *gorm.DB) *TimelineRepo {
	return &TimelineRepo{db: db}
}

// Append 按 event_id 幂等写入；重复的 event_id 返回首次写入的 seq。
func (r *TimelineRepo) Append(ctx context.Context, evt *model.SessionEvent) (int64, error) {
	if strings.TrimSpace(evt.EventID) == "" {
		return 0, timeline.ErrEventIDRequired
	}
	evt.Seq = 0
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(evt)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 && evt.Seq > 0 {
		return evt.Seq, nil
	}

	var existing model.SessionEvent
	if err := r.db.WithContext(ctx).
		Select("seq").
		Where("event_id = ?", evt.EventID).
		Take(&existing).Error; err != nil {
		return 0, err
	}
	evt.Seq = existing.Seq
	return existing.Seq, nil
}

func (r *TimelineRepo) List(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	var out []model.SessionEvent
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

package storage

import (
	"context"
	"time"

	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepo 以 (session_id, inject_id) 唯一索引实现幂等台账，多实例部署下同样成立。
type LedgerRepo struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ ledger.Store       = (*LedgerRepo)(nil)
	_ ledger.StatusStore = (*LedgerRepo)(nil)
)

func NewLedgerRepo(db *gorm.DB) *LedgerRepo {
	return &LedgerRepo{db: db, now: time.Now}
}

var sessionInjectColumns = []clause.Column{{Name: "session_id"}, {Name: "inject_id"}}

// TryClaim 插入台账行，唯一约束冲突时不插入并返回 false。
func (r *LedgerRepo) TryClaim(ctx context.Context, rec *model.PublishedInject) (bool, error) {
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = r.now()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: sessionInjectColumns, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	// 失败状态只做展示，更新失败不影响发布结果
	_ = r.db.WithContext(ctx).
		Model(&model.InjectStatus{}).
		Where("session_id = ? AND inject_id = ?", rec.SessionID, rec.InjectID).
		Updates(map[string]any{"state": model.InjectPublished, "updated_at": rec.PublishedAt}).Error
	return true, nil
}

func (r *LedgerRepo) IsPublished(ctx context.Context, sessionID, injectID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&model.PublishedInject{}).
		Where("session_id = ? AND inject_id = ?", sessionID, injectID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *LedgerRepo) ListPublished(ctx context.Context, sessionID string) ([]model.PublishedInject, error) {
	var out []model.PublishedInject
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordFailure 原子地累加失败次数，达到阈值时置 flagged。
func (r *LedgerRepo) RecordFailure(ctx context.Context, sessionID, injectID, reason string, maxAttempts int) (*model.InjectStatus, error) {
	now := r.now()
	row := &model.InjectStatus{
		SessionID:  sessionID,
		InjectID:   injectID,
		State:      model.InjectPendingGeneration,
		Attempts:   1,
		LastReason: reason,
		Flagged:    maxAttempts > 0 && maxAttempts <= 1,
		UpdatedAt:  now,
	}
	flagged := gorm.Expr("FALSE")
	if maxAttempts > 0 {
		flagged = gorm.Expr("inject_statuses.attempts + 1 >= ?", maxAttempts)
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: sessionInjectColumns,
			DoUpdates: clause.Assignments(map[string]interface{}{
				"state":       model.InjectPendingGeneration,
				"attempts":    gorm.Expr("inject_statuses.attempts + 1"),
				"last_reason": reason,
				"flagged":     flagged,
				"updated_at":  now,
			}),
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return r.status(ctx, sessionID, injectID)
}

func (r *LedgerRepo) MarkNeedsReview(ctx context.Context, sessionID, injectID, reason string) error {
	now := r.now()
	row := &model.InjectStatus{
		SessionID:  sessionID,
		InjectID:   injectID,
		State:      model.InjectNeedsReview,
		LastReason: reason,
		Flagged:    true,
		UpdatedAt:  now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: sessionInjectColumns,
			DoUpdates: clause.Assignments(map[string]interface{}{
				"state":       model.InjectNeedsReview,
				"last_reason": reason,
				"flagged":     true,
				"updated_at":  now,
			}),
		}).
		Create(row).Error
}

func (r *LedgerRepo) ListStatuses(ctx context.Context, sessionID string) ([]model.InjectStatus, error) {
	var out []model.InjectStatus
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("inject_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LedgerRepo) status(ctx context.Context, sessionID, injectID string) (*model.InjectStatus, error) {
	var st model.InjectStatus
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND inject_id = ?", sessionID, injectID).
		Take(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

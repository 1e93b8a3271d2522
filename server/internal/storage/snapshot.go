package storage

import (
	"context"
	"errors"

	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/model"

	"gorm.io/gorm"
)

// SnapshotRepo 态势快照表，只插入不更新。
type SnapshotRepo struct {
	db *gorm.DB
}

var _ escalation.Store = (*SnapshotRepo)(nil)

func NewSnapshotRepo(db *gorm.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

func (r *SnapshotRepo) Append(ctx context.Context, snap *model.EscalationSnapshot) error {
	return r.db.WithContext(ctx).Create(snap).Error
}

func (r *SnapshotRepo) Latest(ctx context.Context, sessionID string) (*model.EscalationSnapshot, error) {
	var snap model.EscalationSnapshot
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("evaluated_at DESC").
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, escalation.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *SnapshotRepo) List(ctx context.Context, sessionID string) ([]model.EscalationSnapshot, error) {
	var out []model.EscalationSnapshot
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("evaluated_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

package storage

import (
	"context"
	"errors"
	"time"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/objective"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObjectiveRepo 是 objective.Store 的数据库实现。
type ObjectiveRepo struct {
	db  *gorm.DB
	now func() time.Time
}

var _ objective.Store = (*ObjectiveRepo)(nil)

func NewObjectiveRepo(db *gorm.DB) *ObjectiveRepo {
	return &ObjectiveRepo{db: db, now: time.Now}
}

func (r *ObjectiveRepo) Initialize(ctx context.Context, sessionID string, objectiveIDs []string) error {
	if len(objectiveIDs) == 0 {
		return nil
	}
	now := r.now()
	rows := make([]model.ObjectiveProgress, 0, len(objectiveIDs))
	for _, id := range objectiveIDs {
		rows = append(rows, model.ObjectiveProgress{SessionID: sessionID, ObjectiveID: id, UpdatedAt: now})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "objective_id"}},
			DoNothing: true,
		}).
		Create(&rows).Error
}

func (r *ObjectiveRepo) Get(ctx context.Context, sessionID, objectiveID string) (*model.ObjectiveProgress, error) {
	var p model.ObjectiveProgress
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND objective_id = ?", sessionID, objectiveID).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, objective.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ObjectiveRepo) List(ctx context.Context, sessionID string) ([]model.ObjectiveProgress, error) {
	var out []model.ObjectiveProgress
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("objective_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ObjectiveRepo) Update(ctx context.Context, p *model.ObjectiveProgress) error {
	if p.ID == 0 {
		cur, err := r.Get(ctx, p.SessionID, p.ObjectiveID)
		if err != nil {
			return err
		}
		p.ID = cur.ID
	}
	prev := p.Version
	p.Version = prev + 1
	p.UpdatedAt = r.now()
	res := r.db.WithContext(ctx).
		Model(p).
		Where("version = ?", prev).
		Select("progress", "entries", "version", "updated_at").
		Updates(p)
	if res.Error != nil {
		p.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		p.Version = prev
		return objective.ErrVersionConflict
	}
	return nil
}

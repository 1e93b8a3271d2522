package storage

import (
	"context"
	"errors"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/session"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepo 是 session.Store 的数据库实现。
type SessionRepo struct {
	db *gorm.DB
}

var _ session.Store = (*SessionRepo)(nil)

func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return session.ErrAlreadyExists
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	var out []model.Session
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Update 以 WHERE version = ? 条件更新，未命中即视为版本冲突。
func (r *SessionRepo) Update(ctx context.Context, s *model.Session) error {
	prev := s.Version
	s.Version = prev + 1
	res := r.db.WithContext(ctx).
		Model(s).
		Where("version = ?", prev).
		Select("status", "started_at", "paused_at", "paused_total", "current_state", "version", "updated_at").
		Updates(s)
	if res.Error != nil {
		s.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.Version = prev
		if _, err := r.Get(ctx, s.ID); err != nil {
			return err
		}
		return session.ErrVersionConflict
	}
	return nil
}

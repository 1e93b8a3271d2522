package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DecisionRepo 是 decision.Store 的数据库实现。
type DecisionRepo struct {
	db  *gorm.DB
	now func() time.Time
}

var _ decision.Store = (*DecisionRepo)(nil)

func NewDecisionRepo(db *gorm.DB) *DecisionRepo {
	return &DecisionRepo{db: db, now: time.Now}
}

func (r *DecisionRepo) Create(ctx context.Context, d *model.Decision) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", decision.ErrAlreadyExists, d.ID)
	}
	return nil
}

func (r *DecisionRepo) Get(ctx context.Context, id string) (*model.Decision, error) {
	var d model.Decision
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, decision.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Update 以 WHERE status = from 条件更新，并发执行同一决策只有一个成功。
func (r *DecisionRepo) Update(ctx context.Context, d *model.Decision, from model.DecisionStatus) error {
	d.UpdatedAt = r.now()
	res := r.db.WithContext(ctx).
		Model(d).
		Where("status = ?", from).
		Select("title", "description", "status", "executed_at", "updated_at").
		Updates(d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		cur, err := r.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: decision %s is %s, expected %s", decision.ErrInvalidTransition, d.ID, cur.Status, from)
	}
	return nil
}

func (r *DecisionRepo) ListBySession(ctx context.Context, sessionID string) ([]model.Decision, error) {
	var out []model.Decision
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClassificationRepo 分类缓存表，decision_id 为主键。
type ClassificationRepo struct {
	db *gorm.DB
}

var _ classifier.Store = (*ClassificationRepo)(nil)

func NewClassificationRepo(db *gorm.DB) *ClassificationRepo {
	return &ClassificationRepo{db: db}
}

func (r *ClassificationRepo) Get(ctx context.Context, decisionID string) (*model.Classification, error) {
	var cls model.Classification
	err := r.db.WithContext(ctx).Where("decision_id = ?", decisionID).Take(&cls).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, classifier.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cls, nil
}

// Insert 不存在才插入；冲突时读回已存储的分类。
func (r *ClassificationRepo) Insert(ctx context.Context, cls *model.Classification) (*model.Classification, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "decision_id"}}, DoNothing: true}).
		Create(cls)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		stored := *cls
		return &stored, true, nil
	}
	existing, err := r.Get(ctx, cls.DecisionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

package storage

import (
	"context"
	"errors"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/scenario"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScenarioRepo 是 scenario.Repo 的数据库实现。
type ScenarioRepo struct {
	db *gorm.DB
}

var _ scenario.Repo = (*ScenarioRepo)(nil)

func NewScenarioRepo(db *gorm.DB) *ScenarioRepo {
	return &ScenarioRepo{db: db}
}

func (r *ScenarioRepo) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	var sc model.Scenario
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&sc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, scenario.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (r *ScenarioRepo) ListInjects(ctx context.Context, scenarioID string) ([]model.ScenarioInject, error) {
	if _, err := r.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}
	var out []model.ScenarioInject
	if err := r.db.WithContext(ctx).
		Where("scenario_id = ?", scenarioID).
		Order("seq ASC").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ScenarioRepo) ListObjectives(ctx context.Context, scenarioID string) ([]model.ScenarioObjective, error) {
	if _, err := r.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}
	var out []model.ScenarioObjective
	if err := r.db.WithContext(ctx).
		Where("scenario_id = ?", scenarioID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert 在一个事务里替换剧本及其注入、目标定义。
func (r *ScenarioRepo) Upsert(ctx context.Context, def *scenario.Definition) error {
	if err := scenario.Prepare(def); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc := def.Scenario
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "description", "updated_at"}),
		}).Create(&sc).Error; err != nil {
			return err
		}
		if err := tx.Where("scenario_id = ?", sc.ID).Delete(&model.ScenarioInject{}).Error; err != nil {
			return err
		}
		if err := tx.Where("scenario_id = ?", sc.ID).Delete(&model.ScenarioObjective{}).Error; err != nil {
			return err
		}
		if len(def.Injects) > 0 {
			if err := tx.Create(&def.Injects).Error; err != nil {
				return err
			}
		}
		if len(def.Objectives) > 0 {
			if err := tx.Create(&def.Objectives).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

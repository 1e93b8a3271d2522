package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrUnsupportedDriver 配置的 driver 不是数据库驱动（例如 memory）。
var ErrUnsupportedDriver = errors.New("storage: unsupported database driver")

// Open 按配置打开数据库连接并执行迁移。
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.New(gormWriter{log: log}, gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("database ready", "driver", cfg.Driver)
	return db, nil
}

// Migrate 自动迁移全部表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Scenario{},
		&model.ScenarioInject{},
		&model.ScenarioObjective{},
		&model.Session{},
		&model.PublishedInject{},
		&model.InjectStatus{},
		&model.EscalationSnapshot{},
		&model.Decision{},
		&model.Classification{},
		&model.ObjectiveProgress{},
		&model.SessionEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// gormWriter 把 gorm 的日志转到 zap。
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.Warn("gorm", "detail", fmt.Sprintf(format, args...))
}

// Repos 数据库实现的全部存储。
type Repos struct {
	Sessions   *SessionRepo
	Scenarios  *ScenarioRepo
	Ledger     *LedgerRepo
	Timeline   *TimelineRepo
	Snapshots  *SnapshotRepo
	Decisions  *DecisionRepo
	Classes    *ClassificationRepo
	Objectives *ObjectiveRepo
}

func NewRepos(db *gorm.DB) *Repos {
	return &Repos{
		Sessions:   NewSessionRepo(db),
		Scenarios:  NewScenarioRepo(db),
		Ledger:     NewLedgerRepo(db),
		Timeline:   NewTimelineRepo(db),
		Snapshots:  NewSnapshotRepo(db),
		Decisions:  NewDecisionRepo(db),
		Classes:    NewClassificationRepo(db),
		Objectives: NewObjectiveRepo(db),
	}
}

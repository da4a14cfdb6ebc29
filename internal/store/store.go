package store

import (
	"context"

	"github.com/meshmon/meshmon/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Upgrade() Upgrade
	Statistics(ctx context.Context) (model.UpgradeStats, error)
	Ping(ctx context.Context) error
	Close() error
}

type DataStore struct {
	upgrade Upgrade
	db      *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		upgrade: NewUpgradeStore(db),
		db:      db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Upgrade() Upgrade {
	return s.upgrade
}

func (s *DataStore) Statistics(ctx context.Context) (model.UpgradeStats, error) {
	type row struct {
		Status model.UpgradeStatus
		Total  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&model.UpgradeJob{}).
		Select("status, count(*) as total").
		Group("status").
		Find(&rows).Error; err != nil {
		return model.UpgradeStats{}, err
	}

	stats := model.UpgradeStats{TotalByStatus: make(map[model.UpgradeStatus]int64)}
	for _, r := range rows {
		stats.TotalByStatus[r.Status] = r.Total
		stats.Total += r.Total
		if !r.Status.Terminal() {
			stats.Active += r.Total
		}
	}
	return stats, nil
}

// Ping verifies database connectivity. Used as the default post-restart
// readiness probe.
func (s *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meshmon/meshmon/internal/store/model"
	"gorm.io/gorm"
)

// Upgrade is the durable ledger of upgrade attempts. It is the single source
// of truth for whether an upgrade is active; the reservation in Reserve must
// survive a process restart, which is why this is a table and not a flag.
type Upgrade interface {
	Reserve(ctx context.Context, job model.UpgradeJob) (*model.UpgradeJob, error)
	Get(ctx context.Context, id uuid.UUID) (*model.UpgradeJob, error)
	GetActive(ctx context.Context) (*model.UpgradeJob, error)
	Update(ctx context.Context, job model.UpgradeJob) (*model.UpgradeJob, error)
	List(ctx context.Context, filter *UpgradeQueryFilter, opts *UpgradeQueryOptions) (model.UpgradeJobList, error)
}

type UpgradeStore struct {
	db *gorm.DB
}

// Make sure we conform to Upgrade interface
var _ Upgrade = (*UpgradeStore)(nil)

func NewUpgradeStore(db *gorm.DB) Upgrade {
	return &UpgradeStore{db: db}
}

// Reserve atomically checks for an active upgrade job and inserts the new one
// in the same transaction. Two concurrent callers cannot both succeed: the
// check-then-insert runs inside one transaction and the partial unique index
// upgrade_jobs_single_active rejects a second non-terminal row regardless.
func (s *UpgradeStore) Reserve(ctx context.Context, job model.UpgradeJob) (*model.UpgradeJob, error) {
	ctx, err := newTransactionContext(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var active model.UpgradeJob
	result := s.getDB(ctx).Where("status IN ?", model.ActiveUpgradeStatuses).First(&active)
	if result.Error == nil {
		_, _ = Rollback(ctx)
		return nil, ErrUpgradeInProgress
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		_, _ = Rollback(ctx)
		return nil, fmt.Errorf("querying active upgrade: %w", result.Error)
	}

	if err := s.getDB(ctx).Create(&job).Error; err != nil {
		_, _ = Rollback(ctx)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUpgradeInProgress
		}
		return nil, fmt.Errorf("reserving upgrade job: %w", err)
	}

	if _, err := Commit(ctx); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUpgradeInProgress
		}
		return nil, err
	}

	return &job, nil
}

func (s *UpgradeStore) Get(ctx context.Context, id uuid.UUID) (*model.UpgradeJob, error) {
	var job model.UpgradeJob
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying upgrade job: %w", result.Error)
	}
	return &job, nil
}

// GetActive returns the single non-terminal job. ErrRecordNotFound means no
// upgrade is running.
func (s *UpgradeStore) GetActive(ctx context.Context) (*model.UpgradeJob, error) {
	var job model.UpgradeJob
	result := s.getDB(ctx).Where("status IN ?", model.ActiveUpgradeStatuses).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying active upgrade: %w", result.Error)
	}
	return &job, nil
}

func (s *UpgradeStore) Update(ctx context.Context, job model.UpgradeJob) (*model.UpgradeJob, error) {
	result := s.getDB(ctx).Model(model.NewUpgradeJobFromID(job.ID)).Updates(map[string]interface{}{
		"status":             job.Status,
		"progress":           job.Progress,
		"current_step":       job.CurrentStep,
		"logs":               job.Logs,
		"backup_path":        job.BackupPath,
		"completed_at":       job.CompletedAt,
		"error_message":      job.ErrorMessage,
		"rollback_available": job.RollbackAvailable,
	})
	if result.Error != nil {
		return nil, fmt.Errorf("updating upgrade job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}
	return &job, nil
}

func (s *UpgradeStore) List(ctx context.Context, filter *UpgradeQueryFilter, opts *UpgradeQueryOptions) (model.UpgradeJobList, error) {
	var jobs model.UpgradeJobList
	tx := s.getDB(ctx)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Model(&jobs).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing upgrade jobs: %w", err)
	}
	return jobs, nil
}

func (s *UpgradeStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}

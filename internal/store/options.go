package store

import (
	"github.com/meshmon/meshmon/internal/store/model"
	"gorm.io/gorm"
)

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByStartedTimeDesc
	SortByCreatedTime
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type UpgradeQueryFilter BaseQuerier

func NewUpgradeQueryFilter() *UpgradeQueryFilter {
	return &UpgradeQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *UpgradeQueryFilter) ByStatus(status model.UpgradeStatus) *UpgradeQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

// ByActive narrows the query to the non-terminal statuses. By the single
// active job invariant this matches at most one row.
func (qf *UpgradeQueryFilter) ByActive() *UpgradeQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", model.ActiveUpgradeStatuses)
	})
	return qf
}

type UpgradeQueryOptions BaseQuerier

func NewUpgradeQueryOptions() *UpgradeQueryOptions {
	return &UpgradeQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *UpgradeQueryOptions) WithLimit(limit int) *UpgradeQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return tx
		}
		return tx.Limit(limit)
	})
	return o
}

func (o *UpgradeQueryOptions) WithSortOrder(sort SortOrder) *UpgradeQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByStartedTimeDesc:
			return tx.Order("started_at DESC")
		case SortByCreatedTime:
			return tx.Order("created_at")
		default:
			return tx
		}
	})
	return o
}

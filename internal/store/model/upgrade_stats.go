package model

// UpgradeStats aggregates the upgrade ledger for the metrics collector.
type UpgradeStats struct {
	Total         int64
	Active        int64
	TotalByStatus map[UpgradeStatus]int64
}

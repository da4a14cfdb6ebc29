package metrics

import (
	"context"
	"fmt"

	"github.com/meshmon/meshmon/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type upgradeStatsCollector struct {
	store            store.Store
	totalUpgrades    *prometheus.Desc
	activeUpgrades   *prometheus.Desc
	upgradesByStatus *prometheus.Desc
}

func newUpgradeStatsCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_upgrade_%s", meshmon, name)
	}

	return &upgradeStatsCollector{
		store: s,
		totalUpgrades: prometheus.NewDesc(
			fqName("jobs_total"),
			"Total number of upgrade attempts.",
			nil,
			prometheus.Labels{},
		),
		activeUpgrades: prometheus.NewDesc(
			fqName("jobs_active"),
			"Number of non-terminal upgrade jobs. Never more than one.",
			nil,
			prometheus.Labels{},
		),
		upgradesByStatus: prometheus.NewDesc(
			fqName("jobs_by_status_total"),
			"Total upgrade attempts by status",
			[]string{"status"},
			prometheus.Labels{},
		),
	}
}

// RegisterUpgradeStatsCollector registers the ledger-backed collector with the
// default registry.
func RegisterUpgradeStatsCollector(s store.Store) {
	prometheus.MustRegister(newUpgradeStatsCollector(s))
}

func (c *upgradeStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalUpgrades
	ch <- c.activeUpgrades
	ch <- c.upgradesByStatus
}

// Collect implements Collector.
func (c *upgradeStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Statistics(context.Background())
	if err != nil {
		zap.S().Named("upgrade_collector").Errorf("failed to collect upgrade statistics: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalUpgrades, prometheus.GaugeValue, float64(stats.Total))
	ch <- prometheus.MustNewConstMetric(c.activeUpgrades, prometheus.GaugeValue, float64(stats.Active))

	for status, total := range stats.TotalByStatus {
		ch <- prometheus.MustNewConstMetric(c.upgradesByStatus, prometheus.GaugeValue, float64(total), string(status))
	}
}

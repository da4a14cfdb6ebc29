package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	meshmon = "meshmon"

	// Upgrade metrics
	upgradeTriggersTotal = "upgrade_triggers_total"

	// Labels
	triggerResultLabel = "result"
)

var upgradeTriggersTotalLabels = []string{
	triggerResultLabel,
}

var upgradeTriggersTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: meshmon,
		Name:      upgradeTriggersTotal,
		Help:      "number of upgrade trigger requests by result",
	},
	upgradeTriggersTotalLabels,
)

func IncreaseUpgradeTriggersTotalMetric(result string) {
	labels := prometheus.Labels{
		triggerResultLabel: result,
	}
	upgradeTriggersTotalMetric.With(labels).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(upgradeTriggersTotalMetric)
}

type PrometheusMetricsHandler struct{}

func NewPrometheusMetricsHandler() *PrometheusMetricsHandler {
	return &PrometheusMetricsHandler{}
}

func (h *PrometheusMetricsHandler) Handler() http.Handler {
	return promhttp.Handler()
}

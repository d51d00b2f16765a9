package catalog

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdash_refresh_total",
			Help: "Registry refresh cycles by discovery availability.",
		},
		[]string{"discovery"},
	)
	refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labdash_refresh_duration_seconds",
			Help:    "Wall time of a registry refresh cycle.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdash_health_checks_total",
			Help: "Health probes by resulting status.",
		},
		[]string{"status"},
	)
	apiDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdash_api_detections_total",
			Help: "API detection outcomes, including skipped runs.",
		},
		[]string{"result"},
	)
	discoveryAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labdash_discovery_available",
			Help: "1 when the last refresh reached the discovery source.",
		},
	)
)

func init() {
	prometheus.MustRegister(refreshTotal, refreshDuration, healthChecksTotal, apiDetectionsTotal, discoveryAvailable)
}

func detectionLabel(found bool, skipped string) string {
	switch {
	case skipped != "":
		return skipped
	case found:
		return "found"
	}
	return "not_found"
}

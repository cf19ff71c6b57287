package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switch_services_total",
			Help: "Total number of configured proxy services",
		},
	)

	ProxiesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switch_proxies_running",
			Help: "Number of proxy services with a live listener",
		},
	)

	ServicesByHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switch_services_by_health",
			Help: "Number of running services by evaluated health status",
		},
		[]string{"status"},
	)

	// Registry metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_heartbeats_total",
			Help: "Total number of registry renewals by outcome",
		},
		[]string{"status"},
	)

	RegistryAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switch_registry_available",
			Help: "Whether the registry answered the last availability check (1 = up, 0 = down)",
		},
	)

	EmergencyShutdownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_emergency_shutdowns_total",
			Help: "Total number of fleet shutdowns caused by registry outages",
		},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_recoveries_total",
			Help: "Total number of automatic recovery attempts by result",
		},
		[]string{"result"},
	)

	// Proxy traffic metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_proxy_requests_total",
			Help: "Total number of proxied requests by service and status code",
		},
		[]string{"service", "code"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switch_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switch_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(ProxiesRunning)
	prometheus.MustRegister(ServicesByHealth)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RegistryAvailable)
	prometheus.MustRegister(EmergencyShutdownsTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

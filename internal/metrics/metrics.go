package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Tollgate server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics.
	LedgerOpsTotal    *prometheus.CounterVec
	LedgerVolume      *prometheus.CounterVec
	EscrowActiveHolds prometheus.Gauge
	EscrowOutcomes    *prometheus.CounterVec

	// Billing metrics.
	UsageRecordsTotal     prometheus.Counter
	UsageRejectionsTotal  *prometheus.CounterVec
	SettlementsTotal      prometheus.Counter
	SettlementVolume      prometheus.Counter
	PlatformFeesCollected prometheus.Counter

	// Rate limiting metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Archive collector metrics.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRowsTotal     prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Event bus metrics.
	EventsPublishedTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		LedgerOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_ledger_operations_total",
			Help: "Total number of ledger operations by type and outcome.",
		}, []string{"operation", "outcome"}),

		LedgerVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_ledger_volume_base_units",
			Help: "Total value moved through the ledger in base units, by operation.",
		}, []string{"operation"}),

		EscrowActiveHolds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_escrow_active_holds",
			Help: "Number of escrow deposits currently in the created state.",
		}),

		EscrowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_escrow_outcomes_total",
			Help: "Total number of finalized escrow deposits by outcome.",
		}, []string{"outcome"}),

		UsageRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_usage_records_total",
			Help: "Total number of usage records accepted.",
		}),

		UsageRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_usage_rejections_total",
			Help: "Total number of usage records rejected, by reason.",
		}, []string{"reason"}),

		SettlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_settlements_total",
			Help: "Total number of usage records settled.",
		}),

		SettlementVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_settlement_volume_base_units",
			Help: "Total settled value in base units, fees included.",
		}),

		PlatformFeesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_platform_fees_base_units",
			Help: "Total platform fees collected in base units.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"endpoint"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_collector_buffer_size",
			Help: "Current number of buffered archive rows.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_collector_flushes_total",
			Help: "Total number of archive collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tollgate_collector_flush_duration_seconds",
			Help:    "Duration of archive flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_collector_rows_total",
			Help: "Total number of archive rows recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_events_published_total",
			Help: "Total number of domain events published, by type.",
		}, []string{"type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerOpsTotal,
		m.LedgerVolume,
		m.EscrowActiveHolds,
		m.EscrowOutcomes,
		m.UsageRecordsTotal,
		m.UsageRejectionsTotal,
		m.SettlementsTotal,
		m.SettlementVolume,
		m.PlatformFeesCollected,
		m.RateLimitRejectionsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRowsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.EventsPublishedTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncLedgerOp increments the ledger operation counter.
func (m *Metrics) IncLedgerOp(operation, outcome string) {
	m.LedgerOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// AddLedgerVolume adds moved value to the ledger volume counter.
func (m *Metrics) AddLedgerVolume(operation string, amount int64) {
	if amount > 0 {
		m.LedgerVolume.WithLabelValues(operation).Add(float64(amount))
	}
}

// IncEscrowCreated grows the active escrow gauge.
func (m *Metrics) IncEscrowCreated() {
	m.EscrowActiveHolds.Inc()
}

// IncEscrowOutcome records a finalized escrow and shrinks the active gauge.
func (m *Metrics) IncEscrowOutcome(outcome string) {
	m.EscrowOutcomes.WithLabelValues(outcome).Inc()
	m.EscrowActiveHolds.Dec()
}

// IncUsageRejection increments the usage rejection counter for a reason.
func (m *Metrics) IncUsageRejection(reason string) {
	m.UsageRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveSettlement records a settled usage record and its value split.
func (m *Metrics) ObserveSettlement(total, fee int64) {
	m.SettlementsTotal.Inc()
	m.SettlementVolume.Add(float64(total))
	m.PlatformFeesCollected.Add(float64(fee))
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(endpoint string) {
	m.RateLimitRejectionsTotal.WithLabelValues(endpoint).Inc()
}

// SetCollectorBufferSize records the current archive buffer depth.
func (m *Metrics) SetCollectorBufferSize(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// ObserveCollectorFlush records one archive flush attempt.
func (m *Metrics) ObserveCollectorFlush(status string, took time.Duration) {
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(took.Seconds())
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncEventPublished increments the published event counter for a type.
func (m *Metrics) IncEventPublished(eventType string) {
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

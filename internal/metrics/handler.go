package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode       string        `json:"mode"`
	HTTP       httpSummary   `json:"http"`
	Management httpSummary   `json:"management"`
	Ledger     ledgerInfo    `json:"ledger"`
	Billing    billingInfo   `json:"billing"`
	RateLimit  rateLimitInfo `json:"rateLimit"`
	Collector  collectorInfo `json:"collector"`
	Auth       authInfo      `json:"auth"`
	Events     eventInfo     `json:"events"`
	DB         dbInfo        `json:"db"`
	Server     serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ledgerInfo struct {
	Operations     float64 `json:"operations"`
	Failures       float64 `json:"failures"`
	DepositVolume  float64 `json:"depositVolume"`
	WithdrawVolume float64 `json:"withdrawVolume"`
	ActiveEscrows  float64 `json:"activeEscrows"`
	Released       float64 `json:"released"`
	Refunded       float64 `json:"refunded"`
}

type billingInfo struct {
	UsageRecords     float64 `json:"usageRecords"`
	UsageRejections  float64 `json:"usageRejections"`
	Settlements      float64 `json:"settlements"`
	SettlementVolume float64 `json:"settlementVolume"`
	PlatformFees     float64 `json:"platformFees"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Rows         float64 `json:"rows"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type eventInfo struct {
	Published float64 `json:"published"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["tollgate_http_requests_total"], "kind", "api"),
			ErrorRate:     computeErrorRateWithLabel(fam["tollgate_http_requests_total"], "kind", "api"),
			P50Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.50, "kind", "api"),
			P95Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.95, "kind", "api"),
			P99Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.99, "kind", "api"),
		},
		Management: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["tollgate_http_requests_total"], "kind", "admin"),
			ErrorRate:     computeErrorRateWithLabel(fam["tollgate_http_requests_total"], "kind", "admin"),
			P50Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.50, "kind", "admin"),
			P95Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.95, "kind", "admin"),
			P99Latency:    histogramPercentileWithLabel(fam["tollgate_http_request_duration_seconds"], 0.99, "kind", "admin"),
		},
		Ledger: ledgerInfo{
			Operations:     sumCounter(fam["tollgate_ledger_operations_total"]),
			Failures:       counterWithLabel(fam["tollgate_ledger_operations_total"], "outcome", "error"),
			DepositVolume:  counterWithLabel(fam["tollgate_ledger_volume_base_units"], "operation", "deposit"),
			WithdrawVolume: counterWithLabel(fam["tollgate_ledger_volume_base_units"], "operation", "withdraw"),
			ActiveEscrows:  gaugeValue(fam["tollgate_escrow_active_holds"]),
			Released:       counterWithLabel(fam["tollgate_escrow_outcomes_total"], "outcome", "released"),
			Refunded:       counterWithLabel(fam["tollgate_escrow_outcomes_total"], "outcome", "refunded"),
		},
		Billing: billingInfo{
			UsageRecords:     counterValue(fam["tollgate_usage_records_total"]),
			UsageRejections:  sumCounter(fam["tollgate_usage_rejections_total"]),
			Settlements:      counterValue(fam["tollgate_settlements_total"]),
			SettlementVolume: counterValue(fam["tollgate_settlement_volume_base_units"]),
			PlatformFees:     counterValue(fam["tollgate_platform_fees_base_units"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["tollgate_ratelimit_rejections_total"]),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["tollgate_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["tollgate_collector_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["tollgate_collector_flushes_total"], "status", "error"),
			Rows:         counterValue(fam["tollgate_collector_rows_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["tollgate_auth_failures_total"]),
			Successes: sumCounter(fam["tollgate_auth_successes_total"]),
		},
		Events: eventInfo{
			Published: sumCounter(fam["tollgate_events_published_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tollgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tollgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tollgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["tollgate_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["tollgate_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentileWithLabel computes a percentile from aggregated
// histogram buckets using linear interpolation, restricted to metrics
// carrying the given label.
func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}

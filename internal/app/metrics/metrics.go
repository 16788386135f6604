package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumshield/backend/internal/middleware"
)

const namespace = "quantumshield"

var (
	// Registry is scraped at /metrics.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	blocksProduced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "blocks_produced_total",
			Help:      "Total number of blocks produced by this node.",
		},
	)

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "transactions_total",
			Help:      "Transactions included in blocks, by status.",
		},
		[]string{"status"},
	)

	contractExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "executions_total",
			Help:      "Total number of contract executions.",
		},
		[]string{"status"},
	)

	contractGas = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "gas_used",
			Help:      "Gas consumed per contract execution.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of background job runs.",
		},
		[]string{"job", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of background job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job"},
	)

	telemetryIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "telemetry_readings_total",
			Help:      "Total number of telemetry readings ingested.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		blocksProduced,
		transactions,
		contractExecutions,
		contractGas,
		webhookDeliveries,
		jobRuns,
		jobDuration,
		telemetryIngested,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
}

// InstrumentHandler counts and times every request except scrapes. Paths are
// reduced to route shapes before labelling.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		httpInFlight.Inc()
		began := time.Now()
		rw := &middleware.ResponseWriter{ResponseWriter: w, Status: http.StatusOK}
		defer func() {
			httpInFlight.Dec()
			route := canonicalPath(r.URL.Path)
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status)).Inc()
			httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(began).Seconds())
		}()
		next.ServeHTTP(rw, r)
	})
}

// RecordBlock records a produced block and the outcome of its transactions.
func RecordBlock(applied, failed int) {
	blocksProduced.Inc()
	transactions.WithLabelValues("applied").Add(float64(applied))
	transactions.WithLabelValues("failed").Add(float64(failed))
}

// RecordContractExecution records one contract run.
func RecordContractExecution(status string, gasUsed uint64) {
	if status == "" {
		status = "unknown"
	}
	contractExecutions.WithLabelValues(status).Inc()
	contractGas.Observe(float64(gasUsed))
}

// RecordWebhookDelivery records a delivery attempt outcome (delivered, retry, failed).
func RecordWebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordJobRun records metrics for a background job run.
func RecordJobRun(job string, duration time.Duration, success bool) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordTelemetry counts an ingested telemetry reading.
func RecordTelemetry() {
	telemetryIngested.Inc()
}

// canonicalPath keeps label cardinality bounded by replacing every segment
// that is not a known route word with ":id", up to six segments:
// /api/devices/abc/telemetry -> /api/devices/:id/telemetry.
func canonicalPath(raw string) string {
	var b strings.Builder
	depth := 0
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			continue
		}
		if depth == 6 {
			b.WriteString("/...")
			break
		}
		b.WriteByte('/')
		if depth < 2 || !isIdentifier(seg) {
			b.WriteString(seg)
		} else {
			b.WriteString(":id")
		}
		depth++
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

var knownSegments = map[string]struct{}{
	"wallets": {}, "transactions": {}, "blocks": {}, "balances": {}, "verify": {}, "produce": {},
	"validators": {}, "pools": {}, "contracts": {}, "execute": {}, "governance": {}, "proposals": {},
	"votes": {}, "tokens": {}, "mint": {}, "burn": {}, "transfer": {}, "listings": {}, "buy": {},
	"cancel": {}, "liquidity": {}, "swap": {}, "quote": {}, "devices": {}, "anomalies": {},
	"forecast": {}, "models": {}, "network": {}, "heartbeat": {}, "telemetry": {}, "commands": {},
	"rules": {}, "alerts": {}, "deliveries": {}, "test": {}, "certificates": {}, "revoke": {},
	"pem": {}, "pkcs12": {}, "crl": {}, "bootstrap": {}, "stats": {}, "compress": {}, "health": {},
	"kem": {}, "signatures": {}, "seal": {}, "open": {}, "commitments": {}, "keys": {}, "2fa": {},
	"api-keys": {}, "events": {}, "compliance": {}, "register": {}, "login": {}, "ack": {},
	"archives": {}, "state": {}, "executions": {}, "delegations": {}, "stake": {}, "unstake": {},
	"slash": {}, "positions": {}, "trades": {}, "holders": {}, "ledger": {}, "fund": {},
	"generate": {}, "encapsulate": {}, "decapsulate": {}, "sign": {}, "enroll": {}, "confirm": {},
	"disable": {}, "delegate": {}, "undelegate": {}, "decompress": {}, "archive": {}, "tick": {},
	"distribute": {},
}

func isIdentifier(segment string) bool {
	_, known := knownSegments[segment]
	return !known
}

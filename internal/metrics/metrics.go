// Package metrics holds the Prometheus collectors and OpenTelemetry setup
// shared by the node, the guard chain, transports and ceremonies.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

var (
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aura",
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "http_requests_total", Help: "Total admin HTTP requests"},
		[]string{"method", "path", "status"},
	)
	guardDecisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "guard_decisions_total", Help: "Guard chain decisions by outcome and reason"},
		[]string{"operation", "decision", "reason"},
	)
	flowChargedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "aura", Name: "flow_budget_charged_total", Help: "Flow budget units charged by committed guarded sends"},
	)
	receiptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "aura", Name: "receipts_produced_total", Help: "Receipts committed to a chain"},
	)
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "envelopes_total", Help: "Envelopes by direction and transport"},
		[]string{"direction", "transport"},
	)
	ceremonyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "ceremony_sessions_total", Help: "Ceremony sessions by protocol and outcome"},
		[]string{"protocol", "outcome"},
	)
	ceremonyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "aura", Name: "ceremony_duration_seconds", Help: "Ceremony session duration"},
		[]string{"protocol"},
	)
	journalFacts = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "aura", Name: "journal_facts", Help: "Facts currently held in the journal"},
	)
	equivocationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "aura", Name: "equivocation_proofs_total", Help: "New equivocation proofs recorded"},
	)
	storageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "aura", Name: "storage_op_duration_seconds", Help: "Storage operation duration"},
		[]string{"backend", "op", "outcome"},
	)
	breakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "aura", Name: "circuit_breaker_open", Help: "Circuit breaker state: 1=open, 0=closed"},
		[]string{"breaker"},
	)
)

func init() {
	prometheus.MustRegister(reqDuration, reqTotal, guardDecisionTotal, flowChargedTotal, receiptsTotal, envelopesTotal,
		ceremonyTotal, ceremonyDuration, journalFacts, equivocationTotal, storageDuration, breakerOpen)
}

// Middleware records basic HTTP metrics
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		observer := reqDuration.WithLabelValues(c.Request.Method, path, status)
		// attach exemplar with trace_id if present
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			if eo, ok := observer.(prometheus.ExemplarObserver); ok {
				eo.ObserveWithExemplar(dur, prometheus.Labels{"trace_id": sc.TraceID().String()})
			} else {
				observer.Observe(dur)
			}
		} else {
			observer.Observe(dur)
		}
		reqTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// RecordGuardDecision counts one guard chain outcome.
func RecordGuardDecision(operation string, allowed bool, reason string) {
	dec := "allow"
	if !allowed {
		dec = "deny"
	}
	if reason == "" {
		reason = "unspecified"
	}
	guardDecisionTotal.WithLabelValues(operation, dec, reason).Inc()
}

// RecordReceipt counts a committed receipt and the flow units it charged.
func RecordReceipt(cost uint64) {
	receiptsTotal.Inc()
	flowChargedTotal.Add(float64(cost))
}

func RecordEnvelope(direction, transport string) {
	envelopesTotal.WithLabelValues(direction, transport).Inc()
}

// RecordCeremony records a finished session.
func RecordCeremony(protocol string, ok bool, dur time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ceremonyTotal.WithLabelValues(protocol, outcome).Inc()
	ceremonyDuration.WithLabelValues(protocol).Observe(dur.Seconds())
}

func SetJournalFacts(n int) { journalFacts.Set(float64(n)) }

func RecordEquivocation() { equivocationTotal.Inc() }

// RecordStorageOp records a storage call with duration and outcome
func RecordStorageOp(backend, op string, dur time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	storageDuration.WithLabelValues(backend, op, outcome).Observe(dur.Seconds())
}

// SetBreakerState updates the breaker state gauge (1=open, 0=closed)
func SetBreakerState(name string, open bool) {
	if open {
		breakerOpen.WithLabelValues(name).Set(1)
	} else {
		breakerOpen.WithLabelValues(name).Set(0)
	}
}

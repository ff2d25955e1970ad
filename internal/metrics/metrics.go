// Package metrics holds the Prometheus collectors for intake, scanning and
// ETL. Each pipeline component takes a plain callback; Metrics supplies them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/scan"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

const namespace = "taxintake"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	uploads        *prometheus.CounterVec
	rectifications prometheus.Counter
	denied         prometheus.Counter
	uploadAlerts   *prometheus.CounterVec
	scanFallbacks  *prometheus.CounterVec
	scanEmpty      *prometheus.CounterVec
	etlDocuments   *prometheus.CounterVec
	etlDuration    prometheus.Histogram
}

// New registers every collector, plus the Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by the situation they ended intake in",
		}, []string{"template", "situation"}),
		rectifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rectifications_total",
			Help:      "Uploads that replaced an active upload",
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rectifications_denied_total",
			Help:      "Uploads rejected by the rectification policy",
		}),
		uploadAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_alerts_total",
			Help:      "Alerts raised during intake by key",
		}, []string{"key", "critical"}),
		scanFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_fallbacks_total",
			Help:      "Scans that switched from the result window to a cursor",
		}, []string{"collection"}),
		scanEmpty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_empty_recoveries_total",
			Help:      "Scans answered as empty after a missing-collection error",
		}, []string{"collection", "kind"}),
		etlDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "etl_documents_total",
			Help:      "Documents handled by the ETL stage by outcome",
		}, []string{"outcome"}),
		etlDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "etl_document_duration_seconds",
			Help:      "Time spent publishing one document",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.uploads, m.rectifications, m.denied, m.uploadAlerts,
		m.scanFallbacks, m.scanEmpty,
		m.etlDocuments, m.etlDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveUpload records one finished intake. Pass it to intake.WithObserver.
func (m *Metrics) ObserveUpload(res intake.Result) {
	if m == nil || res.Document == nil {
		return
	}
	doc := res.Document
	m.uploads.WithLabelValues(doc.TemplateName, doc.Situation.String()).Inc()
	if len(res.Replaced) > 0 {
		m.rectifications.Inc()
	}
	for _, a := range res.Alerts {
		if a.Key == validation.AlertRectificationDenied {
			m.denied.Inc()
		}
		m.uploadAlerts.WithLabelValues(a.Key, "true").Inc()
	}
	for _, a := range res.NonCritical {
		m.uploadAlerts.WithLabelValues(a.Key, "false").Inc()
	}
}

// ObserveETL records one document handled by the ETL stage. Pass it to
// etl.WithObserver.
func (m *Metrics) ObserveETL(outcome etl.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.etlDocuments.WithLabelValues(outcome.String()).Inc()
	if outcome != etl.OutcomeSkipped {
		m.etlDuration.Observe(took.Seconds())
	}
}

// ScanHooks returns scanner callbacks feeding the scan counters.
func (m *Metrics) ScanHooks() scan.Hooks {
	if m == nil {
		return scan.Hooks{}
	}
	return scan.Hooks{
		Fallback: func(collection string) {
			m.scanFallbacks.WithLabelValues(collection).Inc()
		},
		Empty: func(collection string, kind scan.Kind) {
			m.scanEmpty.WithLabelValues(collection, kind.String()).Inc()
		},
	}
}

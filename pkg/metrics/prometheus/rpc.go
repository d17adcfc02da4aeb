// Package prometheus provides the Prometheus-backed implementations of the
// metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bvbrc/workspace/pkg/metrics"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
	laneDepth      *prometheus.GaugeVec
	pendingUploads prometheus.Gauge
	downloadBytes  *prometheus.CounterVec
	downloads      *prometheus.CounterVec
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// When metrics are not enabled (InitRegistry not called) the returned
// instance is a no-op.
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		var disabled *rpcMetrics
		return disabled
	}

	reg := metrics.GetRegistry()

	return &rpcMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspace_rpc_requests_total",
				Help: "Total number of RPC requests by method and error code",
			},
			[]string{"method", "error"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workspace_rpc_duration_seconds",
				Help:    "RPC request duration in seconds by method",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workspace_rpc_in_flight",
				Help: "Number of RPC requests currently being processed",
			},
			[]string{"method"},
		),
		laneDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workspace_lane_depth",
				Help: "Queued calls per execution lane",
			},
			[]string{"lane"},
		),
		pendingUploads: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "workspace_pending_uploads",
				Help: "Blob uploads awaiting completion",
			},
		),
		downloadBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspace_download_bytes_total",
				Help: "Total bytes served through download tickets by source",
			},
			[]string{"source"},
		),
		downloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspace_downloads_total",
				Help: "Total downloads served by source",
			},
			[]string{"source"},
		),
	}
}

func (m *rpcMetrics) RecordRequest(method string, duration time.Duration, errorCode string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, errorCode).Inc()
	m.duration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *rpcMetrics) RecordRequestStart(method string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(method).Inc()
}

func (m *rpcMetrics) RecordRequestEnd(method string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(method).Dec()
}

func (m *rpcMetrics) SetLaneDepth(lane string, depth int) {
	if m == nil {
		return
	}
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func (m *rpcMetrics) SetPendingUploads(count int) {
	if m == nil {
		return
	}
	m.pendingUploads.Set(float64(count))
}

func (m *rpcMetrics) RecordDownload(source string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(source).Inc()
	m.downloadBytes.WithLabelValues(source).Add(float64(bytes))
}

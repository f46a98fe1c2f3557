// Package metrics provides Prometheus instrumentation for the regionflagz
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only regionflagz metrics appear on the /metrics endpoint.
// [Metrics] also implements the engine's recorder interface.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "regionflagz"

// Metrics holds all Prometheus collectors used by the regionflagz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec

	SweepsTotal           prometheus.Counter
	WatchedRegions        prometheus.Gauge
	RegionChangesTotal    prometheus.Counter
	HandleRefreshesTotal  prometheus.Counter
	DetectorFaultsTotal   *prometheus.CounterVec
	LivenessDropsTotal    prometheus.Counter
	ActiveHandles         prometheus.Gauge
	Trackers              prometheus.Gauge
	ValueReadsTotal       *prometheus.CounterVec
	RegionEventsTotal     *prometheus.CounterVec
	RegionEventLagSeconds prometheus.Histogram
}

// New creates and registers all regionflagz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of failed operator authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of active value streams.",
		}, []string{"transport"}),

		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total number of engine ticks.",
		}),

		WatchedRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_regions",
			Help:      "Number of regions at least one handle depends on.",
		}),

		RegionChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_changes_total",
			Help:      "Total number of region flag changes detected.",
		}),

		HandleRefreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_refreshes_total",
			Help:      "Total number of handle refreshes caused by region changes.",
		}),

		DetectorFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_faults_total",
			Help:      "Total number of change detector errors and panics.",
		}, []string{"strategy"}),

		LivenessDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_drops_total",
			Help:      "Total number of handles dropped because their player went offline.",
		}),

		ActiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_handles",
			Help:      "Number of live observation handles.",
		}),

		Trackers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers",
			Help:      "Number of per-player flag trackers.",
		}),

		ValueReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "value_reads_total",
			Help:      "Total number of current value reads over the API.",
		}, []string{"result"}),

		RegionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_events_total",
			Help:      "Total number of persisted region events applied to the world.",
		}, []string{"kind"}),

		RegionEventLagSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_event_lag_seconds",
			Help:      "Delay between a region event being recorded and applied.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.SweepsTotal,
		m.WatchedRegions,
		m.RegionChangesTotal,
		m.HandleRefreshesTotal,
		m.DetectorFaultsTotal,
		m.LivenessDropsTotal,
		m.ActiveHandles,
		m.Trackers,
		m.ValueReadsTotal,
		m.RegionEventsTotal,
		m.RegionEventLagSeconds,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	code := status.Code(err).String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one completed HTTP request. It matches the observer
// signature of the request logging middleware.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// StreamOpened tracks an SSE or gRPC value stream; call the returned func
// when it ends.
func (m *Metrics) StreamOpened(transport string) func() {
	g := m.ActiveStreams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

// RecordValueRead counts an API read of a tracked value.
func (m *Metrics) RecordValueRead(present bool) {
	result := "absent"
	if present {
		result = "present"
	}
	m.ValueReadsTotal.WithLabelValues(result).Inc()
}

// RecordRegionEvent counts a persisted region event and how late it was
// applied. A zero recordedAt skips the lag observation.
func (m *Metrics) RecordRegionEvent(kind string, recordedAt time.Time) {
	m.RegionEventsTotal.WithLabelValues(kind).Inc()
	if !recordedAt.IsZero() {
		m.RegionEventLagSeconds.Observe(max(time.Since(recordedAt).Seconds(), 0))
	}
}

func (m *Metrics) ObserveSweep(watched, changed, refreshed int) {
	m.SweepsTotal.Inc()
	m.WatchedRegions.Set(float64(watched))
	m.RegionChangesTotal.Add(float64(changed))
	m.HandleRefreshesTotal.Add(float64(refreshed))
}

func (m *Metrics) IncDetectorFault(strategy string) {
	m.DetectorFaultsTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncLivenessDrops(n int) {
	m.LivenessDropsTotal.Add(float64(n))
}

func (m *Metrics) SetActiveHandles(n int) { m.ActiveHandles.Set(float64(n)) }
func (m *Metrics) SetTrackers(n int)      { m.Trackers.Set(float64(n)) }

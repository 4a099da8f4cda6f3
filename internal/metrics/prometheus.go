// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"darn/internal/store"
)

// Prometheus metrics
var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darn_verifications_total",
			Help: "Total number of capability verifications performed",
		},
		[]string{"outcome"},
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darn_verification_duration_seconds",
			Help:    "Time spent verifying candidate hosts",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darn_probes_total",
			Help: "Total number of model probes performed",
		},
		[]string{"model", "outcome"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darn_probe_duration_seconds",
			Help:    "End-to-end model probe latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	RelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darn_relays_total",
			Help: "Total number of relay requests",
		},
		[]string{"outcome"},
	)

	GeoResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darn_geo_resolutions_total",
			Help: "Geolocation resolution outcomes",
		},
		[]string{"outcome"},
	)

	KnownEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "darn_endpoints_known_total",
			Help: "Number of endpoints known to the store",
		},
	)

	VerifiedEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "darn_endpoints_verified_total",
			Help: "Number of endpoints that passed their last verification",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "darn_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store store.Store
}

func NewCollector(store store.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordVerification(ok bool, duration time.Duration) {
	VerificationsTotal.WithLabelValues(outcomeLabel(ok)).Inc()
	VerificationDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordProbe(model string, ok bool, duration time.Duration) {
	ProbesTotal.WithLabelValues(model, outcomeLabel(ok)).Inc()
	ProbeDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (c *Collector) RecordRelay(ok bool) {
	RelaysTotal.WithLabelValues(outcomeLabel(ok)).Inc()
}

func (c *Collector) RecordGeoResolution(resolved bool) {
	label := "resolved"
	if !resolved {
		label = "unknown"
	}
	GeoResolutionsTotal.WithLabelValues(label).Inc()
}

func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return err
	}

	KnownEndpoints.Set(float64(stats.TotalEndpoints))
	VerifiedEndpoints.Set(float64(stats.VerifiedEndpoints))
	return nil
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "deskrelay"

// Metrics holds all DeskRelay metric instruments.
type Metrics struct {
	SessionsActive     metric.Int64UpDownCounter
	AuthFailures       metric.Int64Counter
	EventsDispatched   metric.Int64Counter
	EventsRejected     metric.Int64Counter
	Deliveries         metric.Int64Counter
	DeliveriesDropped  metric.Int64Counter
	FramesRateLimited  metric.Int64Counter
	SnapshotCacheHits  metric.Int64Counter
	SnapshotCacheMiss  metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	FanoutDuration     metric.Float64Histogram
	QueryDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.Meter(meterName))
}

// NewMetricsFrom creates all metric instruments on meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsActive, err = meter.Int64UpDownCounter("deskrelay.sessions.active",
		metric.WithDescription("Number of open WebSocket sessions"))
	if err != nil {
		return nil, err
	}

	m.AuthFailures, err = meter.Int64Counter("deskrelay.auth.failures",
		metric.WithDescription("Number of rejected authenticate attempts"))
	if err != nil {
		return nil, err
	}

	m.EventsDispatched, err = meter.Int64Counter("deskrelay.events.dispatched",
		metric.WithDescription("Number of domain events fanned out"))
	if err != nil {
		return nil, err
	}

	m.EventsRejected, err = meter.Int64Counter("deskrelay.events.rejected",
		metric.WithDescription("Number of domain events rejected at ingest"))
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("deskrelay.deliveries",
		metric.WithDescription("Number of notifications queued to sessions"))
	if err != nil {
		return nil, err
	}

	m.DeliveriesDropped, err = meter.Int64Counter("deskrelay.deliveries.dropped",
		metric.WithDescription("Number of notifications dropped on closed transports"))
	if err != nil {
		return nil, err
	}

	m.FramesRateLimited, err = meter.Int64Counter("deskrelay.frames.rate_limited",
		metric.WithDescription("Number of inbound frames rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}

	m.SnapshotCacheHits, err = meter.Int64Counter("deskrelay.snapshot_cache.hits",
		metric.WithDescription("Snapshot cache hits"))
	if err != nil {
		return nil, err
	}

	m.SnapshotCacheMiss, err = meter.Int64Counter("deskrelay.snapshot_cache.misses",
		metric.WithDescription("Snapshot cache misses"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("deskrelay.breaker.transitions",
		metric.WithDescription("Read-model circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	m.FanoutDuration, err = meter.Float64Histogram("deskrelay.fanout.duration_seconds",
		metric.WithDescription("Time to fan one event out to a channel"))
	if err != nil {
		return nil, err
	}

	m.QueryDuration, err = meter.Float64Histogram("deskrelay.query.duration_seconds",
		metric.WithDescription("Read-model query duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/pslog"
)

type changeMetrics struct {
	duration    metric.Int64Histogram
	completed   metric.Int64Counter
	lockRetries metric.Int64Counter
}

func newChangeMetrics(logger pslog.Logger) *changeMetrics {
	meter := otel.Meter("pkt.systems/peersetd/core")
	m := &changeMetrics{}
	var err error

	m.duration, err = meter.Int64Histogram(
		"peersetd.change.duration_ms",
		metric.WithDescription("Time from submission to terminal result"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "peersetd.change.duration_ms", err)

	m.completed, err = meter.Int64Counter(
		"peersetd.change.completed",
		metric.WithDescription("Changes that reached a terminal result"),
	)
	logMetricInitError(logger, "peersetd.change.completed", err)

	m.lockRetries, err = meter.Int64Counter(
		"peersetd.change.lock_retries",
		metric.WithDescription("Retries caused by a held peerset lock or unavailable consensus"),
	)
	logMetricInitError(logger, "peersetd.change.lock_retries", err)

	return m
}

func (m *changeMetrics) recordChange(ctx context.Context, route string, status change.Status, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("peersetd.change.route", route),
		attribute.String("peersetd.change.status", string(status)),
	)
	if m.duration != nil {
		m.duration.Record(metricContext(ctx), d.Milliseconds(), attrs)
	}
	if m.completed != nil {
		m.completed.Add(metricContext(ctx), 1, attrs)
	}
}

func (m *changeMetrics) recordLockRetry(ctx context.Context) {
	if m == nil || m.lockRetries == nil {
		return
	}
	m.lockRetries.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

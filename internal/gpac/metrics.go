package gpac

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/pslog"
)

type gpacMetrics struct {
	txnDuration metric.Int64Histogram
	rounds      metric.Int64Counter
	phaseFailed metric.Int64Counter
	recoveries  metric.Int64Counter
	promises    metric.Int64Counter
}

func newGPACMetrics(logger pslog.Logger) *gpacMetrics {
	meter := otel.Meter("pkt.systems/peersetd/gpac")
	m := &gpacMetrics{}
	var err error

	m.txnDuration, err = meter.Int64Histogram(
		"peersetd.gpac.transaction.duration_ms",
		metric.WithDescription("Time from first ballot to terminal GPAC result"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "peersetd.gpac.transaction.duration_ms", err)

	m.rounds, err = meter.Int64Counter(
		"peersetd.gpac.rounds",
		metric.WithDescription("GPAC ballots started by this node"),
	)
	logMetricInitError(logger, "peersetd.gpac.rounds", err)

	m.phaseFailed, err = meter.Int64Counter(
		"peersetd.gpac.phase.failed",
		metric.WithDescription("GPAC phases that did not reach quorum or were rejected"),
	)
	logMetricInitError(logger, "peersetd.gpac.phase.failed", err)

	m.recoveries, err = meter.Int64Counter(
		"peersetd.gpac.recoveries",
		metric.WithDescription("Participant-initiated GPAC recoveries"),
	)
	logMetricInitError(logger, "peersetd.gpac.recoveries", err)

	m.promises, err = meter.Int64Counter(
		"peersetd.gpac.participant.promises",
		metric.WithDescription("ElectMe requests answered by local participants"),
	)
	logMetricInitError(logger, "peersetd.gpac.participant.promises", err)

	return m
}

func (m *gpacMetrics) recordTransaction(ctx context.Context, status change.Status, duration time.Duration) {
	if m == nil || m.txnDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("peersetd.change.status", string(status))}
	m.txnDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *gpacMetrics) recordRound(ctx context.Context, recovery bool) {
	if m == nil || m.rounds == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.Bool("peersetd.gpac.recovery", recovery)}
	m.rounds.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *gpacMetrics) recordPhaseFailure(ctx context.Context, phase, reason string) {
	if m == nil || m.phaseFailed == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("peersetd.gpac.phase", phase),
		attribute.String("peersetd.gpac.reason", reason),
	}
	m.phaseFailed.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *gpacMetrics) recordRecovery(ctx context.Context, status change.Status) {
	if m == nil || m.recoveries == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("peersetd.change.status", string(status))}
	m.recoveries.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *gpacMetrics) recordPromise(ctx context.Context, peerset string, vote Value) {
	if m == nil || m.promises == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("peersetd.peerset", peerset),
		attribute.String("peersetd.gpac.vote", string(vote)),
	}
	m.promises.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
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

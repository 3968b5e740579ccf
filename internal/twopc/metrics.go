package twopc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/pslog"
)

type twopcMetrics struct {
	txnDuration metric.Int64Histogram
	refusals    metric.Int64Counter
	decisions   metric.Int64Counter
	polls       metric.Int64Counter
}

func newTwoPCMetrics(logger pslog.Logger) *twopcMetrics {
	meter := otel.Meter("pkt.systems/peersetd/twopc")
	m := &twopcMetrics{}
	var err error

	m.txnDuration, err = meter.Int64Histogram(
		"peersetd.twopc.transaction.duration_ms",
		metric.WithDescription("Time from leader lock to 2PC decision"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "peersetd.twopc.transaction.duration_ms", err)

	m.refusals, err = meter.Int64Counter(
		"peersetd.twopc.accept.refused",
		metric.WithDescription("Accept requests refused or unanswered by participant peersets"),
	)
	logMetricInitError(logger, "peersetd.twopc.accept.refused", err)

	m.decisions, err = meter.Int64Counter(
		"peersetd.twopc.participant.decisions",
		metric.WithDescription("Decisions applied by local participants"),
	)
	logMetricInitError(logger, "peersetd.twopc.participant.decisions", err)

	m.polls, err = meter.Int64Counter(
		"peersetd.twopc.participant.ask_polls",
		metric.WithDescription("Decision queries sent to 2PC leaders"),
	)
	logMetricInitError(logger, "peersetd.twopc.participant.ask_polls", err)

	return m
}

func (m *twopcMetrics) recordTransaction(ctx context.Context, status change.Status, duration time.Duration) {
	if m == nil || m.txnDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("peersetd.change.status", string(status))}
	m.txnDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *twopcMetrics) recordRefusal(ctx context.Context, peerset, reason string) {
	if m == nil || m.refusals == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("peersetd.peerset", peerset),
		attribute.String("peersetd.twopc.reason", reason),
	}
	m.refusals.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *twopcMetrics) recordDecision(ctx context.Context, decision change.TwoPCStatus, source string) {
	if m == nil || m.decisions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("peersetd.twopc.decision", string(decision)),
		attribute.String("peersetd.twopc.source", source),
	}
	m.decisions.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *twopcMetrics) recordPoll(ctx context.Context, decided bool) {
	if m == nil || m.polls == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.Bool("peersetd.twopc.decided", decided)}
	m.polls.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
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

package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/session"
)

const instrumentationName = "github.com/fakeyudi/codexd/internal/orchestrator"

// metrics holds the orchestrator's instruments. Any instrument that failed
// to register stays nil and is skipped.
type metrics struct {
	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	transitions  metric.Int64Counter
	turns        metric.Int64Counter
	active       metric.Int64UpDownCounter
	degraded     metric.Int64Counter
}

func newMetrics(provider metric.MeterProvider, logger *zap.Logger) *metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.toolCalls, err = meter.Int64Counter(
		"codexd.tool_calls",
		metric.WithDescription("Tool calls reaching a terminal status, labeled by tool and status."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create tool call counter", zap.Error(err))
	}

	m.toolDuration, err = meter.Float64Histogram(
		"codexd.tool_call.duration_seconds",
		metric.WithDescription("Time from tool call creation to terminal status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create tool duration histogram", zap.Error(err))
	}

	m.transitions, err = meter.Int64Counter(
		"codexd.session.transitions",
		metric.WithDescription("Session state transitions, labeled by from and to state."),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		logger.Warn("failed to create transition counter", zap.Error(err))
	}

	m.turns, err = meter.Int64Counter(
		"codexd.agent.turns",
		metric.WithDescription("Completed agent prompt turns, labeled by outcome."),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		logger.Warn("failed to create turn counter", zap.Error(err))
	}

	m.active, err = meter.Int64UpDownCounter(
		"codexd.sessions.active",
		metric.WithDescription("Sessions started and not yet terminated."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		logger.Warn("failed to create active session gauge", zap.Error(err))
	}

	m.degraded, err = meter.Int64Counter(
		"codexd.store.degraded",
		metric.WithDescription("Sessions that lost their store and continued in memory."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		logger.Warn("failed to create degraded counter", zap.Error(err))
	}
	return m
}

func (m *metrics) recordTool(name string, status session.ToolStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("tool", name), attribute.String("status", string(status)))
	if m.toolCalls != nil {
		m.toolCalls.Add(context.Background(), 1, attrs)
	}
	if m.toolDuration != nil {
		m.toolDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	}
}

func (m *metrics) recordTransition(from, to session.State) {
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
}

func (m *metrics) recordTurn(outcome string) {
	if m.turns != nil {
		m.turns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) sessionActive(delta int64) {
	if m.active != nil {
		m.active.Add(context.Background(), delta)
	}
}

func (m *metrics) storeDegraded() {
	if m.degraded != nil {
		m.degraded.Add(context.Background(), 1)
	}
}

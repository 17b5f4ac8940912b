package core

import (
	"context"
	"maps"
)

// MetricPrefix namespaces every counter and histogram the pipeline emits.
const MetricPrefix = "billing."

// CounterName returns the counter emitted for operation, e.g.
// billing.dispatch_unhandled.total.
func CounterName(operation string) string {
	return MetricPrefix + operation + ".total"
}

func DurationName(operation string) string {
	return MetricPrefix + operation + ".duration_ms"
}

// EventOutcomeCounter names the counter for a processor outcome such as
// duplicate, dropped or requeued.
func EventOutcomeCounter(outcome string) string {
	return CounterName("event_" + outcome)
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func EnsureMetrics(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return NopMetricsRecorder{}
	}
	return recorder
}

// CloneTags never returns nil so recorders can add keys freely.
func CloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	return maps.Clone(tags)
}

var _ MetricsRecorder = NopMetricsRecorder{}

package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordedMetric struct {
	name string
	tags map[string]string
}

type captureMetrics struct {
	counters   []recordedMetric
	histograms []recordedMetric
}

func (c *captureMetrics) IncCounter(_ context.Context, name string, _ int64, tags map[string]string) {
	c.counters = append(c.counters, recordedMetric{name: name, tags: tags})
}

func (c *captureMetrics) ObserveHistogram(_ context.Context, name string, _ float64, tags map[string]string) {
	c.histograms = append(c.histograms, recordedMetric{name: name, tags: tags})
}

func TestMetricNames(t *testing.T) {
	if got := CounterName("webhook_receive"); got != "billing.webhook_receive.total" {
		t.Fatalf("unexpected counter name %q", got)
	}
	if got := DurationName("webhook_receive"); got != "billing.webhook_receive.duration_ms" {
		t.Fatalf("unexpected duration name %q", got)
	}
	if got := EventOutcomeCounter("requeued"); got != "billing.event_requeued.total" {
		t.Fatalf("unexpected outcome counter %q", got)
	}
}

func TestObserve_TagsOutcomeWithoutMutatingCallerTags(t *testing.T) {
	recorder := &captureMetrics{}
	tags := map[string]string{"provider": "stripe"}

	Observe(context.Background(), recorder, "event_dispatch", time.Now(), errors.New("boom"), tags)

	if len(recorder.counters) != 1 || recorder.counters[0].name != "billing.event_dispatch.total" {
		t.Fatalf("unexpected counters %+v", recorder.counters)
	}
	if len(recorder.histograms) != 1 || recorder.histograms[0].name != "billing.event_dispatch.duration_ms" {
		t.Fatalf("unexpected histograms %+v", recorder.histograms)
	}
	if len(tags) != 1 {
		t.Fatalf("caller tags mutated: %+v", tags)
	}
	if EnsureMetrics(nil) == nil {
		t.Fatalf("expected nop recorder")
	}
}

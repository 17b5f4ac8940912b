package cancellation

import (
	"context"

	"github.com/goliatone/go-billing-events/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue/worker"
)

// LoggingHook reports executor lifecycle events through a go-job logger.
type LoggingHook struct {
	Logger job.Logger
}

func (h LoggingHook) OnStart(_ context.Context, event worker.Event) {
	if h.Logger == nil {
		return
	}
	h.Logger.Debug("cancellation job started", eventArgs(event)...)
}

func (h LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	if h.Logger == nil {
		return
	}
	h.Logger.Info("cancellation job succeeded", append(eventArgs(event), "duration", event.Duration.String())...)
}

func (h LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	if h.Logger == nil {
		return
	}
	h.Logger.Error("cancellation job failed", append(eventArgs(event), "error", errString(event.Err))...)
}

func (h LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	if h.Logger == nil {
		return
	}
	h.Logger.Warn("cancellation job scheduled for retry", append(eventArgs(event), "delay", event.Delay.String(), "error", errString(event.Err))...)
}

// MetricsHook records one counter and duration sample per settled job.
type MetricsHook struct {
	Recorder core.MetricsRecorder
}

func (h MetricsHook) OnStart(context.Context, worker.Event) {}

func (h MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	core.Observe(ctx, h.Recorder, "cancellation_job", event.StartedAt, nil, nil)
}

func (h MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	core.Observe(ctx, h.Recorder, "cancellation_job", event.StartedAt, event.Err, nil)
}

func (h MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	core.Observe(ctx, h.Recorder, "cancellation_job", event.StartedAt, event.Err, map[string]string{"retry": "true"})
}

func eventArgs(event worker.Event) []any {
	args := []any{"attempt", event.Attempt}
	if event.Message != nil {
		args = append(args,
			"job_id", event.Message.JobID,
			"idempotency_key", event.Message.IdempotencyKey,
			"cancellation_id", stringParam(event.Message.Parameters, ParamCancellationID),
		)
	}
	return args
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ worker.Hook = LoggingHook{}
	_ worker.Hook = MetricsHook{}
)

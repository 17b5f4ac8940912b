package cancellation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	DefaultCancelReason = "Cancelled after repeated failed payments"
	DefaultIdleDelay    = time.Second
	DefaultStopTimeout  = 30 * time.Second

	terminalUnknownJob      job.TerminalErrorCode = "unknown_job"
	terminalUnknownProvider job.TerminalErrorCode = "unknown_provider"
)

// JobStore is the slice of the cancellation table the task drives.
type JobStore interface {
	Get(ctx context.Context, id string) (core.ScheduledCancellation, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// Outcome is what one execution of the task did.
type Outcome string

const (
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// CancelTask is the go-job task behind JobIDCancelSubscription. Rows revoked
// or already settled after the job was queued finish without a provider call.
type CancelTask struct {
	Store    JobStore
	Gateways map[core.Provider]core.SubscriptionGateway
	Reason   string
	Logger   core.Logger
}

func (t *CancelTask) GetID() string   { return JobIDCancelSubscription }
func (t *CancelTask) GetPath() string { return ScriptCancelSubscription }

func (t *CancelTask) GetHandler() func() error {
	return func() error {
		return fmt.Errorf("cancellation: %s runs from queue deliveries only", JobIDCancelSubscription)
	}
}

func (t *CancelTask) GetHandlerConfig() job.HandlerOptions { return job.HandlerOptions{} }
func (t *CancelTask) GetConfig() job.Config                { return job.Config{} }
func (t *CancelTask) GetEngine() job.Engine                { return nil }

func (t *CancelTask) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	_, err := t.Cancel(ctx, msg)
	return err
}

// Cancel runs one delivery. A nil error acks the job; a job.NonRetryableError
// dead-letters it; any other error is retried by the worker policy.
func (t *CancelTask) Cancel(ctx context.Context, msg *job.ExecutionMessage) (Outcome, error) {
	if t == nil || t.Store == nil {
		return OutcomeFailed, fmt.Errorf("cancellation: task requires a store")
	}
	if msg == nil || msg.JobID != JobIDCancelSubscription {
		jobID := ""
		if msg != nil {
			jobID = msg.JobID
		}
		return OutcomeFailed, job.NewTerminalError(terminalUnknownJob, "", fmt.Errorf("cancellation: unexpected job %q", jobID))
	}
	id := stringParam(msg.Parameters, ParamCancellationID)
	fields := map[string]any{"cancellation_id": id}

	row, err := t.Store.Get(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			core.Log(ctx, t.Logger, core.LevelWarn, "cancellation row missing, dropping job", fields)
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, err
	}
	fields["provider"] = string(row.Provider)
	fields["subscription_id"] = row.SubscriptionID

	if row.Status != core.CancellationStatusEnqueued {
		fields["status"] = string(row.Status)
		core.Log(ctx, t.Logger, core.LevelInfo, "cancellation no longer due, skipping", fields)
		return OutcomeSkipped, nil
	}

	gateway := t.Gateways[row.Provider]
	if gateway == nil {
		return OutcomeFailed, job.NewTerminalError(terminalUnknownProvider, "", core.ErrUnknownProvider(string(row.Provider)))
	}

	if err := gateway.CancelSubscription(ctx, row.SubscriptionID, t.reason()); err != nil {
		fields["error"] = err.Error()
		core.Log(ctx, t.Logger, core.LevelWarn, "provider cancellation failed", fields)
		return OutcomeFailed, err
	}

	// Both providers treat a repeated cancel as a no-op, so a failed MarkDone
	// is safe to retry.
	if err := t.Store.MarkDone(ctx, row.ID); err != nil {
		return OutcomeFailed, err
	}
	core.Log(ctx, t.Logger, core.LevelInfo, "subscription cancelled at provider", fields)
	return OutcomeCancelled, nil
}

func (t *CancelTask) reason() string {
	if reason := strings.TrimSpace(t.Reason); reason != "" {
		return reason
	}
	return DefaultCancelReason
}

// Executor runs CancelTask on a go-job worker fed by the job queue.
type Executor struct {
	Queue       queue.Dequeuer
	Task        *CancelTask
	Policy      RetryPolicy
	Hooks       []worker.Hook
	Concurrency int
	IdleDelay   time.Duration
	StopTimeout time.Duration
	Logger      job.Logger
}

// Worker builds the go-job worker with the task registered. Jobs that end
// without a retry mark their row failed.
func (e *Executor) Worker() (*worker.Worker, error) {
	if e == nil || e.Queue == nil || e.Task == nil || e.Task.Store == nil {
		return nil, fmt.Errorf("cancellation: executor requires a queue, a task and a store")
	}
	hooks := append([]worker.Hook{failureRecorder{store: e.Task.Store, logger: e.Task.Logger}}, e.Hooks...)
	opts := []worker.Option{
		worker.WithRetryPolicy(e.Policy),
		worker.WithHooks(hooks...),
		worker.WithConcurrency(e.Concurrency),
		worker.WithIdleDelay(e.idleDelay()),
		worker.WithCommanderFactory(newCommander),
	}
	if e.Logger != nil {
		opts = append(opts, worker.WithLogger(e.Logger))
	}
	w := worker.NewWorker(e.Queue, opts...)
	if err := w.Register(e.Task); err != nil {
		return nil, fmt.Errorf("cancellation: register task: %w", err)
	}
	return w, nil
}

// Run starts the worker and stops it once ctx ends, waiting up to
// StopTimeout for in-flight jobs.
func (e *Executor) Run(ctx context.Context) error {
	w, err := e.Worker()
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stopTimeout())
	defer cancel()
	return w.Stop(stopCtx)
}

func (e *Executor) idleDelay() time.Duration {
	if e.IdleDelay > 0 {
		return e.IdleDelay
	}
	return DefaultIdleDelay
}

func (e *Executor) stopTimeout() time.Duration {
	if e.StopTimeout > 0 {
		return e.StopTimeout
	}
	return DefaultStopTimeout
}

// Retries reuse the idempotency key, so the in-process dedup tracker stays
// off and the worker policy owns every retry.
func newCommander(task job.Task) *job.TaskCommander {
	return job.NewTaskCommander(task).WithIdempotencyTracker(nil).WithRetryOverride(0)
}

type failureRecorder struct {
	store  JobStore
	logger core.Logger
}

func (failureRecorder) OnStart(context.Context, worker.Event)   {}
func (failureRecorder) OnSuccess(context.Context, worker.Event) {}
func (failureRecorder) OnRetry(context.Context, worker.Event)   {}

func (r failureRecorder) OnFailure(ctx context.Context, event worker.Event) {
	if event.Message == nil || event.Message.JobID != JobIDCancelSubscription {
		return
	}
	id := stringParam(event.Message.Parameters, ParamCancellationID)
	if id == "" {
		return
	}
	if err := r.store.MarkFailed(ctx, id, event.Err); err != nil && !core.IsNotFound(err) {
		core.Log(ctx, r.logger, core.LevelWarn, "cancellation mark failed did not persist", map[string]any{
			"cancellation_id": id,
			"error":           err.Error(),
		})
	}
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

var (
	_ job.Task    = (*CancelTask)(nil)
	_ worker.Hook = failureRecorder{}
)

package cancellation

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const (
	JobIDCancelSubscription  = "billing.subscription.cancel"
	ScriptCancelSubscription = "billing.subscription.cancel"

	DefaultRelayInterval = time.Minute
	DefaultRelayBatch    = 50

	ParamCancellationID = "cancellation_id"
	ParamProvider       = "provider"
	ParamSubscriptionID = "subscription_id"
)

// ClaimSource hands out due cancellations and takes back the ones that could
// not be enqueued.
type ClaimSource interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]core.ScheduledCancellation, error)
	MarkPending(ctx context.Context, id string, cause error) error
}

// Relay moves due scheduled cancellations from the database onto the job
// queue.
type Relay struct {
	Source    ClaimSource
	Enqueuer  queue.Enqueuer
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    core.Logger
}

// IdempotencyKey names the single job allowed per provider subscription.
func IdempotencyKey(subscriptionID string) string {
	return "delete_subscription_" + subscriptionID
}

func NewExecutionMessage(cancellation core.ScheduledCancellation) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDCancelSubscription,
		ScriptPath:     ScriptCancelSubscription,
		IdempotencyKey: IdempotencyKey(cancellation.SubscriptionID),
		DedupPolicy:    job.DedupPolicyDrop,
		Parameters: map[string]any{
			ParamCancellationID: cancellation.ID,
			ParamProvider:       string(cancellation.Provider),
			ParamSubscriptionID: cancellation.SubscriptionID,
		},
	}
}

// Run calls RunOnce every Interval until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil || r.Source == nil || r.Enqueuer == nil {
		return fmt.Errorf("cancellation: relay requires a source and an enqueuer")
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			core.Log(ctx, r.Logger, core.LevelWarn, "cancellation relay pass failed", map[string]any{
				"error": err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due cancellations and enqueues a job per row.
// Rows the queue rejects go back to pending for the next pass.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r == nil || r.Source == nil || r.Enqueuer == nil {
		return 0, fmt.Errorf("cancellation: relay requires a source and an enqueuer")
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultRelayBatch
	}
	claimed, err := r.Source.ClaimDue(ctx, r.now(), batch)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, cancellation := range claimed {
		fields := map[string]any{
			"cancellation_id": cancellation.ID,
			"provider":        string(cancellation.Provider),
			"subscription_id": cancellation.SubscriptionID,
		}
		receipt, err := r.Enqueuer.Enqueue(ctx, NewExecutionMessage(cancellation))
		if err != nil {
			fields["error"] = err.Error()
			core.Log(ctx, r.Logger, core.LevelWarn, "cancellation enqueue failed", fields)
			if markErr := r.Source.MarkPending(context.WithoutCancel(ctx), cancellation.ID, err); markErr != nil {
				return enqueued, markErr
			}
			continue
		}
		enqueued++
		fields["dispatch_id"] = receipt.DispatchID
		core.Log(ctx, r.Logger, core.LevelInfo, "cancellation enqueued", fields)
	}
	return enqueued, nil
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

const (
	DefaultPopTimeout   = time.Second
	DefaultQueueBackoff = 2 * time.Second
)

// Worker drains the queue one payload at a time until its stop channel is
// closed or the pool context ends. Each popped payload is processed on a
// context detached from that cancellation so the item always completes.
type Worker struct {
	ID           string
	Queue        core.EventQueue
	Processor    *Processor
	PopTimeout   time.Duration
	QueueBackoff time.Duration
	Logger       core.Logger
	// Processed is invoked after every handled payload; tests use it.
	Processed func(Result)
}

func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	fields := map[string]any{"worker_id": w.ID}
	core.Log(ctx, w.Logger, core.LevelInfo, "worker started", fields)
	defer core.Log(context.WithoutCancel(ctx), w.Logger, core.LevelInfo, "worker stopped", fields)

	for {
		if stopped(ctx, stop) {
			return
		}
		raw, ok, err := w.Queue.Dequeue(ctx, w.popTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			core.Log(ctx, w.Logger, core.LevelWarn, "queue unavailable, backing off", map[string]any{
				"worker_id": w.ID,
				"error":     err.Error(),
			})
			w.backoff(ctx, stop)
			continue
		}
		if !ok {
			continue
		}

		result := w.handle(context.WithoutCancel(ctx), raw)
		if w.Processed != nil {
			w.Processed(result)
		}
		if result.Transport() {
			w.backoff(ctx, stop)
		}
	}
}

// handle keeps a panic inside one payload from ending the worker.
func (w *Worker) handle(ctx context.Context, raw []byte) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("pipeline: worker recovered from panic: %v", recovered)
			core.Log(ctx, w.Logger, core.LevelError, "worker recovered from panic", map[string]any{
				"worker_id": w.ID,
				"error":     err.Error(),
			})
			result = Result{Disposition: DispositionFailed, Err: err}
		}
	}()
	return w.Processor.Process(ctx, raw)
}

func (w *Worker) backoff(ctx context.Context, stop <-chan struct{}) {
	timer := time.NewTimer(w.queueBackoff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-timer.C:
	}
}

func (w *Worker) popTimeout() time.Duration {
	if w.PopTimeout <= 0 {
		return DefaultPopTimeout
	}
	return w.PopTimeout
}

func (w *Worker) queueBackoff() time.Duration {
	if w.QueueBackoff <= 0 {
		return DefaultQueueBackoff
	}
	return w.QueueBackoff
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

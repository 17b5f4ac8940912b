package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultMaxRetries = 3

type Dispatcher interface {
	Dispatch(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error)
}

type Ledger interface {
	core.LedgerReader
	core.LedgerWriter
}

type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionFailed    Disposition = "failed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionInFlight  Disposition = "in_flight"
	DispositionDropped   Disposition = "dropped"
	DispositionRequeued  Disposition = "requeued"
)

type Result struct {
	Disposition Disposition
	Event       core.QueuedEvent
	Attempts    int
	Err         error
}

// Transport reports whether the worker should back off before its next pop.
func (r Result) Transport() bool {
	return r.Disposition == DispositionRequeued
}

// Processor runs claim, dispatch, ledger update and release for one raw
// payload. It is shared by every worker of a pool.
type Processor struct {
	Queue      core.EventQueue
	Ledger     Ledger
	Work       core.UnitOfWork
	Dispatcher Dispatcher
	Notifier   core.Notifier
	InFlight   *InFlightSet
	MaxRetries int
	Logger     core.Logger
	Metrics    core.MetricsRecorder
}

func NewProcessor(queue core.EventQueue, ledger Ledger, work core.UnitOfWork, dispatcher Dispatcher) *Processor {
	return &Processor{
		Queue:      queue,
		Ledger:     ledger,
		Work:       work,
		Dispatcher: dispatcher,
		InFlight:   NewInFlightSet(),
		MaxRetries: DefaultMaxRetries,
		Logger:     glog.Nop(),
		Metrics:    core.NopMetricsRecorder{},
	}
}

func (p *Processor) validate() error {
	if p == nil || p.Ledger == nil || p.Work == nil || p.Dispatcher == nil {
		return fmt.Errorf("pipeline: processor requires ledger, unit of work and dispatcher")
	}
	if p.InFlight == nil {
		return fmt.Errorf("pipeline: processor requires an in-flight set")
	}
	return nil
}

func (p *Processor) Process(ctx context.Context, raw []byte) Result {
	if err := p.validate(); err != nil {
		return Result{Disposition: DispositionDropped, Err: err}
	}
	startedAt := time.Now()

	event, err := core.ParseQueuedEvent(raw)
	if err != nil {
		p.log(ctx, core.LevelWarn, "dropping malformed event", map[string]any{
			"error": err.Error(),
			"bytes": len(raw),
		})
		p.count(ctx, "dropped", "")
		return Result{Disposition: DispositionDropped, Err: err}
	}
	fields := core.EventFields(event)

	status, err := p.Ledger.GetStatus(ctx, event.EventID)
	if err != nil {
		return p.requeue(ctx, raw, event, core.WrapTransport(err, core.ErrorLedgerUnavailable, "pipeline: ledger status lookup failed"))
	}
	if status == core.LedgerStatusProcessed {
		p.log(ctx, core.LevelDebug, "skipping already processed event", fields)
		p.count(ctx, "duplicate", event.Provider)
		return Result{Disposition: DispositionDuplicate, Event: event}
	}

	if !p.inFlight().TryClaim(event.EventID) {
		p.log(ctx, core.LevelDebug, "skipping event already in flight", fields)
		p.count(ctx, "in_flight", event.Provider)
		return Result{Disposition: DispositionInFlight, Event: event}
	}
	defer p.inFlight().Release(event.EventID)
	p.log(ctx, core.LevelDebug, "event claimed", withField(fields, "previous_status", string(status)))

	var handled core.HandlerResult
	policy := RetryPolicy{MaxAttempts: p.maxRetries(), Halt: haltRetries}
	outcome := policy.Run(ctx, func(ctx context.Context, attempt int) error {
		err := p.Work.Do(ctx, func(ctx context.Context, tx core.Tx) error {
			result, err := p.Dispatcher.Dispatch(ctx, tx, event)
			if err != nil {
				return err
			}
			if err := tx.Ledger().Record(ctx, core.EntryFor(event, core.LedgerStatusProcessed, attempt, nil)); err != nil {
				return err
			}
			handled = result
			return nil
		})
		if err != nil && !core.IsAlreadyProcessed(err) {
			p.log(ctx, core.LevelWarn, "dispatch attempt failed", withField(withField(fields, "attempt", attempt), "error", err.Error()))
		}
		return err
	})

	switch outcome.Kind {
	case OutcomeSucceeded:
		p.log(ctx, core.LevelInfo, "event processed", withField(withField(fields, "attempts", outcome.Attempts), "skipped", handled.Skipped))
		core.Observe(ctx, p.metrics(), "event_dispatch", startedAt, nil, map[string]string{"provider": string(event.Provider)})
		p.notify(ctx, event, handled.Notifications)
		return Result{Disposition: DispositionProcessed, Event: event, Attempts: outcome.Attempts}
	case OutcomeHalted:
		if core.IsAlreadyProcessed(outcome.Err) {
			p.log(ctx, core.LevelDebug, "event processed elsewhere", fields)
			p.count(ctx, "duplicate", event.Provider)
			return Result{Disposition: DispositionDuplicate, Event: event, Attempts: outcome.Attempts}
		}
	}

	core.Observe(ctx, p.metrics(), "event_dispatch", startedAt, outcome.Err, map[string]string{"provider": string(event.Provider)})
	failedFields := withField(withField(fields, "attempts", outcome.Attempts), "error", outcome.Err.Error())
	if err := p.Ledger.Record(ctx, core.EntryFor(event, core.LedgerStatusFailed, outcome.Attempts, outcome.Err)); err != nil {
		if core.IsAlreadyProcessed(err) {
			return Result{Disposition: DispositionDuplicate, Event: event, Attempts: outcome.Attempts}
		}
		p.log(ctx, core.LevelError, "event failed and ledger write failed", withField(failedFields, "ledger_error", err.Error()))
		return p.requeue(ctx, raw, event, core.WrapTransport(err, core.ErrorLedgerUnavailable, "pipeline: failed status write failed"))
	}
	p.log(ctx, core.LevelError, "event failed", failedFields)
	return Result{Disposition: DispositionFailed, Event: event, Attempts: outcome.Attempts, Err: outcome.Err}
}

// haltRetries stops the retry loop for errors a later attempt cannot change:
// another worker already recorded the event, or its payload does not decode.
func haltRetries(err error) bool {
	return core.IsAlreadyProcessed(err) || core.IsMalformedEvent(err)
}

// requeue hands the payload back to the queue after a transport failure so
// the event is neither lost nor marked failed.
func (p *Processor) requeue(ctx context.Context, raw []byte, event core.QueuedEvent, cause error) Result {
	fields := core.EventFields(event)
	fields["error"] = cause.Error()
	if p.Queue == nil {
		p.log(ctx, core.LevelError, "transport failure, event not requeued", fields)
		return Result{Disposition: DispositionRequeued, Event: event, Err: cause}
	}
	if err := p.Queue.Enqueue(ctx, raw); err != nil {
		fields["requeue_error"] = err.Error()
		p.log(ctx, core.LevelError, "transport failure, requeue failed", fields)
		return Result{Disposition: DispositionRequeued, Event: event, Err: cause}
	}
	p.log(ctx, core.LevelWarn, "transport failure, event requeued", fields)
	p.count(ctx, "requeued", event.Provider)
	return Result{Disposition: DispositionRequeued, Event: event, Err: cause}
}

func (p *Processor) notify(ctx context.Context, event core.QueuedEvent, notifications []core.Notification) {
	if p.Notifier == nil {
		return
	}
	for _, notification := range notifications {
		if notification.EventID == "" {
			notification.EventID = event.EventID
		}
		if notification.Provider == "" {
			notification.Provider = event.Provider
		}
		if err := p.Notifier.Notify(ctx, notification); err != nil {
			fields := core.EventFields(event)
			fields["notification"] = string(notification.Kind)
			fields["error"] = err.Error()
			p.log(ctx, core.LevelWarn, "notification failed", fields)
		}
	}
}

func (p *Processor) inFlight() *InFlightSet {
	return p.InFlight
}

func (p *Processor) maxRetries() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

func (p *Processor) metrics() core.MetricsRecorder {
	return core.EnsureMetrics(p.Metrics)
}

func (p *Processor) count(ctx context.Context, outcome string, provider core.Provider) {
	p.metrics().IncCounter(ctx, core.EventOutcomeCounter(outcome), 1, map[string]string{"provider": string(provider)})
}

func (p *Processor) log(ctx context.Context, level core.LogLevel, message string, fields map[string]any) {
	core.Log(ctx, p.Logger, level, message, fields)
}

func withField(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

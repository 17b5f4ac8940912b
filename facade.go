package billingevents

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-billing-events/queue"
	sqlstore "github.com/goliatone/go-billing-events/store/sql"
)

// Facade is the operator surface used by the CLI: ledger inspection and
// manual replay of failed events.
type Facade struct {
	ledger core.LedgerStore
	queue  core.EventQueue
}

func NewFacade(ledger core.LedgerStore, queue core.EventQueue) (*Facade, error) {
	if ledger == nil {
		return nil, fmt.Errorf("billingevents: ledger store is required")
	}
	return &Facade{ledger: ledger, queue: queue}, nil
}

// OpenFacade connects to the configured database and redis queue without
// starting any workers. The returned close func releases both clients.
func OpenFacade(ctx context.Context, cfg Config) (*Facade, func() error, error) {
	client, err := sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	redisClient := queue.NewRedisClient(cfg.Queue)
	eventQueue, err := queue.NewRedisQueue(redisClient, cfg.Queue.Key)
	if err != nil {
		_ = redisClient.Close()
		_ = client.Close()
		return nil, nil, err
	}
	facade, err := NewFacade(factory.LedgerStore(), eventQueue)
	if err != nil {
		_ = redisClient.Close()
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		return errors.Join(redisClient.Close(), client.Close())
	}
	return facade, closeFn, nil
}

func (f *Facade) ShowLedger(ctx context.Context, eventID string) (core.LedgerRecord, error) {
	return f.ledger.Get(ctx, eventID)
}

func (f *Facade) ListLedger(ctx context.Context, filter core.LedgerFilter) ([]core.LedgerRecord, error) {
	return f.ledger.List(ctx, filter)
}

// ReplayResult reports what Replay did with a payload.
type ReplayResult struct {
	Event    core.QueuedEvent
	Previous core.LedgerStatus
	Enqueued bool
}

// Replay pushes a raw payload back on the event queue. Payloads whose event
// is already processed are refused; the ledger would skip them anyway.
// Failed events are eligible because a failed ledger row never blocks
// reprocessing.
func (f *Facade) Replay(ctx context.Context, raw []byte) (ReplayResult, error) {
	if f.queue == nil {
		return ReplayResult{}, fmt.Errorf("billingevents: event queue is required for replay")
	}
	event, err := core.ParseQueuedEvent(raw)
	if err != nil {
		return ReplayResult{}, err
	}
	status, err := f.ledger.GetStatus(ctx, event.EventID)
	if err != nil {
		return ReplayResult{}, err
	}
	result := ReplayResult{Event: event, Previous: status}
	if status == core.LedgerStatusProcessed {
		return result, core.ErrAlreadyProcessed(event.EventID)
	}
	if err := f.queue.Enqueue(ctx, event.RawPayload); err != nil {
		return result, err
	}
	result.Enqueued = true
	return result, nil
}

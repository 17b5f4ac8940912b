package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
	"github.com/uptrace/bun"
)

// UnitOfWork runs handler work and the processed ledger write in one
// database transaction.
type UnitOfWork struct {
	db  *bun.DB
	now func() time.Time
}

func NewUnitOfWork(db *bun.DB) (*UnitOfWork, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &UnitOfWork{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	if u == nil || u.db == nil {
		return fmt.Errorf("sqlstore: unit of work is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: unit of work callback is required")
	}
	return u.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, newTxScope(tx, u.now))
	})
}

type txScope struct {
	subscribers   *subscriberQueries
	cancellations *cancellationQueries
	ledger        txLedger
}

func newTxScope(tx bun.IDB, now func() time.Time) *txScope {
	return &txScope{
		subscribers:   newSubscriberQueries(tx, now),
		cancellations: newCancellationQueries(tx, now),
		ledger:        txLedger{db: tx, now: now},
	}
}

func (s *txScope) Subscribers() core.SubscriberStore {
	return s.subscribers
}

func (s *txScope) Cancellations() core.CancellationScheduler {
	return s.cancellations
}

func (s *txScope) Ledger() core.LedgerWriter {
	return s.ledger
}

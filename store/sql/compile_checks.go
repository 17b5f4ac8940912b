package sqlstore

import "github.com/goliatone/go-billing-events/core"

var (
	_ core.LedgerStore           = (*LedgerStore)(nil)
	_ core.LedgerStore           = (*CachedLedgerStore)(nil)
	_ core.LedgerWriter          = txLedger{}
	_ core.SubscriberStore       = (*SubscriberStore)(nil)
	_ core.CancellationScheduler = (*CancellationStore)(nil)
	_ core.UnitOfWork            = (*UnitOfWork)(nil)
	_ core.Tx                    = (*txScope)(nil)
)

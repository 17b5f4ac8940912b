package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type EventQueue interface {
	Enqueue(ctx context.Context, raw []byte) error
	// Dequeue blocks up to timeout. ok is false when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (raw []byte, ok bool, err error)
	Depth(ctx context.Context) (int64, error)
}

type LedgerReader interface {
	GetStatus(ctx context.Context, eventID string) (LedgerStatus, error)
}

type LedgerWriter interface {
	Record(ctx context.Context, entry LedgerEntry) error
}

// LedgerStore is the non-transactional ledger surface. Record opens its own
// transaction.
type LedgerStore interface {
	LedgerReader
	LedgerWriter
	Get(ctx context.Context, eventID string) (LedgerRecord, error)
	List(ctx context.Context, filter LedgerFilter) ([]LedgerRecord, error)
}

type SubscriberStore interface {
	FindByCustomerID(ctx context.Context, provider Provider, customerID string) (Subscriber, error)
	FindBySubscriptionID(ctx context.Context, provider Provider, subscriptionID string) (Subscriber, error)
	SetActive(ctx context.Context, subscriberID string, active bool) error
	SetSubscriptionID(ctx context.Context, subscriberID string, provider Provider, subscriptionID string) error
	IncrementFailedPayments(ctx context.Context, subscriberID string) (int, error)
	ResetFailedPayments(ctx context.Context, subscriberID string) error
	SetNextBillingAt(ctx context.Context, subscriberID string, at *time.Time) error
}

type CancellationScheduler interface {
	Schedule(ctx context.Context, cancellation ScheduledCancellation) (ScheduledCancellation, error)
	Revoke(ctx context.Context, provider Provider, subscriptionID string) (bool, error)
}

// Tx exposes the stores bound to one database transaction.
type Tx interface {
	Subscribers() SubscriberStore
	Cancellations() CancellationScheduler
	Ledger() LedgerWriter
}

type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

type SubscriptionGateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (RemoteSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, reason string) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

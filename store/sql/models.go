package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type ledgerRecord struct {
	bun.BaseModel `bun:"table:billing_ledger,alias:bl"`

	ID        string    `bun:"id,pk"`
	EventID   string    `bun:"event_id,notnull"`
	Provider  string    `bun:"provider,notnull"`
	EventType string    `bun:"event_type,notnull"`
	Status    string    `bun:"status,notnull"`
	Attempts  int       `bun:"attempts,notnull"`
	LastError string    `bun:"last_error,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriberRecord struct {
	bun.BaseModel `bun:"table:billing_subscribers,alias:bs"`

	ID                   string     `bun:"id,pk"`
	Email                string     `bun:"email,notnull"`
	Active               bool       `bun:"active,notnull"`
	StripeCustomerID     string     `bun:"stripe_customer_id,notnull"`
	StripeSubscriptionID string     `bun:"stripe_subscription_id,notnull"`
	PayPalSubscriptionID string     `bun:"paypal_subscription_id,notnull"`
	FailedPayments       int        `bun:"failed_payments,notnull"`
	NextBillingAt        *time.Time `bun:"next_billing_at,nullzero"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type cancellationRecord struct {
	bun.BaseModel `bun:"table:billing_scheduled_cancellations,alias:bsc"`

	ID             string    `bun:"id,pk"`
	Provider       string    `bun:"provider,notnull"`
	SubscriptionID string    `bun:"subscription_id,notnull"`
	SubscriberID   *string   `bun:"subscriber_id"`
	RunAt          time.Time `bun:"run_at,notnull"`
	Status         string    `bun:"status,notnull"`
	Attempts       int       `bun:"attempts,notnull"`
	LastError      string    `bun:"last_error,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

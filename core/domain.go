package core

import (
	"encoding/json"
	"strings"
	"time"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPayPal:
		return true
	default:
		return false
	}
}

func ParseProvider(value string) (Provider, error) {
	provider := Provider(strings.TrimSpace(strings.ToLower(value)))
	if !provider.Valid() {
		return "", ErrUnknownProvider(value)
	}
	return provider, nil
}

// QueuedEvent is one raw payload taken off the queue. It lives for a single
// dequeue-to-ack cycle and is never persisted.
type QueuedEvent struct {
	Provider   Provider
	EventID    string
	EventType  string
	RawPayload json.RawMessage
}

type LedgerStatus string

const (
	LedgerStatusAbsent    LedgerStatus = "absent"
	LedgerStatusProcessed LedgerStatus = "processed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

func (s LedgerStatus) Recorded() bool {
	return s == LedgerStatusProcessed || s == LedgerStatusFailed
}

type LedgerRecord struct {
	ID        string
	EventID   string
	Provider  Provider
	EventType string
	Status    LedgerStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is the write side of a ledger row.
type LedgerEntry struct {
	EventID   string
	Provider  Provider
	EventType string
	Status    LedgerStatus
	Attempts  int
	LastError string
}

func EntryFor(event QueuedEvent, status LedgerStatus, attempts int, cause error) LedgerEntry {
	entry := LedgerEntry{
		EventID:   event.EventID,
		Provider:  event.Provider,
		EventType: event.EventType,
		Status:    status,
		Attempts:  attempts,
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return entry
}

type LedgerFilter struct {
	Status   LedgerStatus
	Provider Provider
	Limit    int
}

type Subscriber struct {
	ID                   string
	Email                string
	Active               bool
	StripeCustomerID     string
	StripeSubscriptionID string
	PayPalSubscriptionID string
	FailedPayments       int
	NextBillingAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SubscriptionID returns the subscription identifier stored for provider.
func (s Subscriber) SubscriptionID(provider Provider) string {
	switch provider {
	case ProviderStripe:
		return s.StripeSubscriptionID
	case ProviderPayPal:
		return s.PayPalSubscriptionID
	default:
		return ""
	}
}

type NotificationKind string

const (
	NotificationPaymentSucceeded      NotificationKind = "payment_succeeded"
	NotificationPaymentFailed         NotificationKind = "payment_failed"
	NotificationSubscriptionCreated   NotificationKind = "subscription_created"
	NotificationSubscriptionActivated NotificationKind = "subscription_activated"
	NotificationSubscriptionCancelled NotificationKind = "subscription_cancelled"
	NotificationSubscriptionExpired   NotificationKind = "subscription_expired"
	NotificationSubscriptionSuspended NotificationKind = "subscription_suspended"
	NotificationSubscriptionDeleted   NotificationKind = "subscription_deleted"
	NotificationTrialWillEnd          NotificationKind = "trial_will_end"
	NotificationCancellationScheduled NotificationKind = "cancellation_scheduled"
)

type Notification struct {
	Kind           NotificationKind
	Provider       Provider
	EventID        string
	SubscriberID   string
	Email          string
	SubscriptionID string
	Data           map[string]any
}

// HandlerResult carries what a handler wants done after its transaction
// commits.
type HandlerResult struct {
	Notifications []Notification
	Skipped       bool
	Reason        string
}

func (r *HandlerResult) Notify(n Notification) {
	if r == nil {
		return
	}
	r.Notifications = append(r.Notifications, n)
}

type CancellationStatus string

const (
	CancellationStatusPending  CancellationStatus = "pending"
	CancellationStatusEnqueued CancellationStatus = "enqueued"
	CancellationStatusDone     CancellationStatus = "done"
	CancellationStatusRevoked  CancellationStatus = "revoked"
	CancellationStatusFailed   CancellationStatus = "failed"
)

type ScheduledCancellation struct {
	ID             string
	Provider       Provider
	SubscriptionID string
	SubscriberID   string
	RunAt          time.Time
	Status         CancellationStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID               string
	Provider         Provider
	CustomerID       string
	Status           string
	NextBillingAt    *time.Time
	CurrentPeriodEnd *time.Time
	FailedPayments   int
}

package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

func newLedgerRecord(entry core.LedgerEntry, now time.Time) *ledgerRecord {
	return &ledgerRecord{
		EventID:   strings.TrimSpace(entry.EventID),
		Provider:  string(entry.Provider),
		EventType: strings.TrimSpace(entry.EventType),
		Status:    string(entry.Status),
		Attempts:  entry.Attempts,
		LastError: truncateError(entry.LastError),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *ledgerRecord) toDomain() core.LedgerRecord {
	if r == nil {
		return core.LedgerRecord{}
	}
	return core.LedgerRecord{
		ID:        r.ID,
		EventID:   r.EventID,
		Provider:  core.Provider(r.Provider),
		EventType: r.EventType,
		Status:    core.LedgerStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func newSubscriberRecord(in core.Subscriber, now time.Time) *subscriberRecord {
	return &subscriberRecord{
		Email:                strings.TrimSpace(in.Email),
		Active:               in.Active,
		StripeCustomerID:     strings.TrimSpace(in.StripeCustomerID),
		StripeSubscriptionID: strings.TrimSpace(in.StripeSubscriptionID),
		PayPalSubscriptionID: strings.TrimSpace(in.PayPalSubscriptionID),
		FailedPayments:       in.FailedPayments,
		NextBillingAt:        cloneTimePointer(in.NextBillingAt),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (r *subscriberRecord) toDomain() core.Subscriber {
	if r == nil {
		return core.Subscriber{}
	}
	return core.Subscriber{
		ID:                   r.ID,
		Email:                r.Email,
		Active:               r.Active,
		StripeCustomerID:     r.StripeCustomerID,
		StripeSubscriptionID: r.StripeSubscriptionID,
		PayPalSubscriptionID: r.PayPalSubscriptionID,
		FailedPayments:       r.FailedPayments,
		NextBillingAt:        cloneTimePointer(r.NextBillingAt),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func (r *cancellationRecord) toDomain() core.ScheduledCancellation {
	if r == nil {
		return core.ScheduledCancellation{}
	}
	out := core.ScheduledCancellation{
		ID:             r.ID,
		Provider:       core.Provider(r.Provider),
		SubscriptionID: r.SubscriptionID,
		RunAt:          r.RunAt.UTC(),
		Status:         core.CancellationStatus(r.Status),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.SubscriberID != nil {
		out.SubscriberID = *r.SubscriberID
	}
	return out
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

const maxErrorLength = 2000

func truncateError(message string) string {
	message = strings.TrimSpace(message)
	if len(message) <= maxErrorLength {
		return message
	}
	return message[:maxErrorLength]
}

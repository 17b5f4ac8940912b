package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

// paypalMissing handles a subscription event with no local subscriber. The
// payload's subscriber email still receives the notification.
func (h *handlers) paypalMissing(ctx context.Context, event core.QueuedEvent, err error, kind core.NotificationKind, subscription paypalSubscription) (core.HandlerResult, error) {
	result, err := h.missing(ctx, event, err)
	if err != nil {
		return result, err
	}
	if email := subscription.Subscriber.EmailAddress; email != "" {
		result.Notify(core.Notification{
			Kind:           kind,
			Provider:       core.ProviderPayPal,
			Email:          email,
			SubscriptionID: subscription.ID,
			Data:           map[string]any{"status": subscription.Status},
		})
	}
	return result, nil
}

func (h *handlers) paypalActivated(kind core.NotificationKind) HandlerFunc {
	return func(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
		subscription, err := decodePayPalResource[paypalSubscription](event)
		if err != nil {
			return core.HandlerResult{}, err
		}
		subscribers := tx.Subscribers()
		subscriber, err := subscribers.FindBySubscriptionID(ctx, core.ProviderPayPal, subscription.ID)
		if err != nil {
			return h.paypalMissing(ctx, event, err, kind, subscription)
		}
		if err := subscribers.SetActive(ctx, subscriber.ID, true); err != nil {
			return core.HandlerResult{}, err
		}
		if err := subscribers.ResetFailedPayments(ctx, subscriber.ID); err != nil {
			return core.HandlerResult{}, err
		}
		if next := parsePayPalTime(subscription.BillingInfo.NextBillingTime); next != nil {
			if err := subscribers.SetNextBillingAt(ctx, subscriber.ID, next); err != nil {
				return core.HandlerResult{}, err
			}
		}
		if _, err := h.revokeCancellation(ctx, tx, event, subscriber); err != nil {
			return core.HandlerResult{}, err
		}

		var result core.HandlerResult
		result.Notify(notification(kind, subscriber, core.ProviderPayPal, map[string]any{
			"status":            subscription.Status,
			"next_billing_time": subscription.BillingInfo.NextBillingTime,
		}))
		return result, nil
	}
}

func (h *handlers) paypalEnded(kind core.NotificationKind) HandlerFunc {
	return func(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
		subscription, err := decodePayPalResource[paypalSubscription](event)
		if err != nil {
			return core.HandlerResult{}, err
		}
		subscribers := tx.Subscribers()
		subscriber, err := subscribers.FindBySubscriptionID(ctx, core.ProviderPayPal, subscription.ID)
		if err != nil {
			return h.paypalMissing(ctx, event, err, kind, subscription)
		}
		if _, err := h.revokeCancellation(ctx, tx, event, subscriber); err != nil {
			return core.HandlerResult{}, err
		}
		if err := subscribers.SetActive(ctx, subscriber.ID, false); err != nil {
			return core.HandlerResult{}, err
		}
		if err := subscribers.SetSubscriptionID(ctx, subscriber.ID, core.ProviderPayPal, ""); err != nil {
			return core.HandlerResult{}, err
		}

		var result core.HandlerResult
		result.Notify(notification(kind, subscriber, core.ProviderPayPal, map[string]any{"status": subscription.Status}))
		return result, nil
	}
}

func (h *handlers) paypalSuspended(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodePayPalResource[paypalSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscriber, err := tx.Subscribers().FindBySubscriptionID(ctx, core.ProviderPayPal, subscription.ID)
	if err != nil {
		return h.paypalMissing(ctx, event, err, core.NotificationSubscriptionSuspended, subscription)
	}
	if err := tx.Subscribers().SetActive(ctx, subscriber.ID, false); err != nil {
		return core.HandlerResult{}, err
	}

	var result core.HandlerResult
	result.Notify(notification(core.NotificationSubscriptionSuspended, subscriber, core.ProviderPayPal, map[string]any{"status": subscription.Status}))
	return result, nil
}

// paypalPaymentFailed counts the failure and, at the threshold, schedules a
// cancellation for the end of the paid period in the same transaction.
func (h *handlers) paypalPaymentFailed(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodePayPalResource[paypalSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscribers := tx.Subscribers()
	subscriber, err := subscribers.FindBySubscriptionID(ctx, core.ProviderPayPal, subscription.ID)
	if err != nil {
		return h.paypalMissing(ctx, event, err, core.NotificationPaymentFailed, subscription)
	}
	failures, err := subscribers.IncrementFailedPayments(ctx, subscriber.ID)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscriber.FailedPayments = failures

	var result core.HandlerResult
	result.Notify(notification(core.NotificationPaymentFailed, subscriber, core.ProviderPayPal, map[string]any{
		"failed_payments": failures,
	}))
	if failures < h.deps.FailedPaymentThreshold {
		return result, nil
	}

	runAt, err := h.cancellationTime(ctx, subscriber.PayPalSubscriptionID, subscription)
	if err != nil {
		return core.HandlerResult{}, err
	}
	scheduled, err := tx.Cancellations().Schedule(ctx, core.ScheduledCancellation{
		Provider:       core.ProviderPayPal,
		SubscriptionID: subscriber.PayPalSubscriptionID,
		SubscriberID:   subscriber.ID,
		RunAt:          runAt,
	})
	if err != nil {
		return core.HandlerResult{}, err
	}
	fields := core.EventFields(event)
	fields["subscription_id"] = scheduled.SubscriptionID
	fields["run_at"] = scheduled.RunAt
	fields["failed_payments"] = failures
	core.Log(ctx, h.deps.Logger, core.LevelInfo, "subscription cancellation scheduled", fields)

	result.Notify(notification(core.NotificationCancellationScheduled, subscriber, core.ProviderPayPal, map[string]any{
		"run_at": scheduled.RunAt,
	}))
	return result, nil
}

func (h *handlers) paypalSaleCompleted(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	sale, err := decodePayPalResource[paypalSale](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	if sale.BillingAgreementID == "" {
		return core.HandlerResult{Skipped: true, Reason: "sale is not tied to a subscription"}, nil
	}
	subscribers := tx.Subscribers()
	subscriber, err := subscribers.FindBySubscriptionID(ctx, core.ProviderPayPal, sale.BillingAgreementID)
	if err != nil {
		return h.missing(ctx, event, err)
	}
	if err := subscribers.ResetFailedPayments(ctx, subscriber.ID); err != nil {
		return core.HandlerResult{}, err
	}
	if err := subscribers.SetActive(ctx, subscriber.ID, true); err != nil {
		return core.HandlerResult{}, err
	}
	if _, err := h.revokeCancellation(ctx, tx, event, subscriber); err != nil {
		return core.HandlerResult{}, err
	}
	if h.deps.PayPal != nil {
		remote, err := h.deps.PayPal.GetSubscription(ctx, subscriber.PayPalSubscriptionID)
		if err != nil {
			return core.HandlerResult{}, core.WrapProviderFailure(err, core.ProviderPayPal, "get subscription")
		}
		if err := subscribers.SetNextBillingAt(ctx, subscriber.ID, remote.NextBillingAt); err != nil {
			return core.HandlerResult{}, err
		}
	}

	var result core.HandlerResult
	result.Notify(notification(core.NotificationPaymentSucceeded, subscriber, core.ProviderPayPal, map[string]any{
		"sale_id":  sale.ID,
		"amount":   sale.Amount.Total,
		"currency": sale.Amount.Currency,
	}))
	return result, nil
}

func (h *handlers) revokeCancellation(ctx context.Context, tx core.Tx, event core.QueuedEvent, subscriber core.Subscriber) (bool, error) {
	if subscriber.PayPalSubscriptionID == "" {
		return false, nil
	}
	revoked, err := tx.Cancellations().Revoke(ctx, core.ProviderPayPal, subscriber.PayPalSubscriptionID)
	if err != nil {
		return false, err
	}
	if revoked {
		fields := core.EventFields(event)
		fields["subscription_id"] = subscriber.PayPalSubscriptionID
		core.Log(ctx, h.deps.Logger, core.LevelInfo, "scheduled cancellation revoked", fields)
	}
	return revoked, nil
}

// cancellationTime prefers the provider's current next billing time over the
// payload's copy, and falls back to now.
func (h *handlers) cancellationTime(ctx context.Context, subscriptionID string, subscription paypalSubscription) (runAt time.Time, err error) {
	if subscriptionID == "" {
		return runAt, fmt.Errorf("dispatch: subscriber has no paypal subscription id")
	}
	if h.deps.PayPal != nil {
		remote, err := h.deps.PayPal.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return runAt, core.WrapProviderFailure(err, core.ProviderPayPal, "get subscription")
		}
		if remote.NextBillingAt != nil {
			return remote.NextBillingAt.UTC(), nil
		}
	}
	if next := parsePayPalTime(subscription.BillingInfo.NextBillingTime); next != nil {
		return *next, nil
	}
	return h.deps.Now(), nil
}

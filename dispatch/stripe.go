package dispatch

import (
	"context"

	"github.com/goliatone/go-billing-events/core"
)

func (h *handlers) stripeInvoicePaid(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	invoice, err := decodeStripeObject[stripeInvoice](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscriber, err := tx.Subscribers().FindByCustomerID(ctx, core.ProviderStripe, invoice.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}
	if !subscriber.Active {
		if err := tx.Subscribers().SetActive(ctx, subscriber.ID, true); err != nil {
			return core.HandlerResult{}, err
		}
		subscriber.Active = true
	}

	var result core.HandlerResult
	result.Notify(notification(core.NotificationPaymentSucceeded, subscriber, core.ProviderStripe, map[string]any{
		"invoice_id":  invoice.ID,
		"amount":      invoice.AmountPaid,
		"currency":    invoice.Currency,
		"invoice_url": invoice.HostedInvoiceURL,
	}))
	return result, nil
}

func (h *handlers) stripeInvoiceFailed(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	invoice, err := decodeStripeObject[stripeInvoice](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscriber, err := tx.Subscribers().FindByCustomerID(ctx, core.ProviderStripe, invoice.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}

	var result core.HandlerResult
	result.Notify(notification(core.NotificationPaymentFailed, subscriber, core.ProviderStripe, map[string]any{
		"invoice_id":    invoice.ID,
		"amount":        invoice.AmountDue,
		"currency":      invoice.Currency,
		"attempt_count": invoice.AttemptCount,
	}))
	return result, nil
}

func (h *handlers) stripeSubscriptionCreated(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodeStripeObject[stripeSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	if subscription.ID == "" {
		return core.HandlerResult{}, core.ErrMalformedEvent("stripe subscription has no id")
	}
	subscribers := tx.Subscribers()
	subscriber, err := subscribers.FindByCustomerID(ctx, core.ProviderStripe, subscription.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}
	if err := subscribers.SetSubscriptionID(ctx, subscriber.ID, core.ProviderStripe, subscription.ID); err != nil {
		return core.HandlerResult{}, err
	}
	subscriber.StripeSubscriptionID = subscription.ID
	if subscription.activeStatus() && !subscriber.Active {
		if err := subscribers.SetActive(ctx, subscriber.ID, true); err != nil {
			return core.HandlerResult{}, err
		}
	}
	if next := unixTime(subscription.CurrentPeriodEnd); next != nil {
		if err := subscribers.SetNextBillingAt(ctx, subscriber.ID, next); err != nil {
			return core.HandlerResult{}, err
		}
	}

	data := map[string]any{"status": subscription.Status}
	if trialEnd := unixTime(subscription.TrialEnd); trialEnd != nil {
		data["trial_end"] = *trialEnd
	}
	var result core.HandlerResult
	result.Notify(notification(core.NotificationSubscriptionCreated, subscriber, core.ProviderStripe, data))
	return result, nil
}

func (h *handlers) stripeSubscriptionUpdated(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodeStripeObject[stripeSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscribers := tx.Subscribers()
	subscriber, err := subscribers.FindByCustomerID(ctx, core.ProviderStripe, subscription.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}
	if subscriber.StripeSubscriptionID != subscription.ID {
		return h.stale(ctx, event, subscriber.StripeSubscriptionID, subscription.ID), nil
	}

	active := subscription.activeStatus()
	if active != subscriber.Active {
		if err := subscribers.SetActive(ctx, subscriber.ID, active); err != nil {
			return core.HandlerResult{}, err
		}
	}
	if next := unixTime(subscription.CurrentPeriodEnd); next != nil {
		if err := subscribers.SetNextBillingAt(ctx, subscriber.ID, next); err != nil {
			return core.HandlerResult{}, err
		}
	}
	return core.HandlerResult{}, nil
}

func (h *handlers) stripeSubscriptionDeleted(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodeStripeObject[stripeSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscribers := tx.Subscribers()
	subscriber, err := subscribers.FindByCustomerID(ctx, core.ProviderStripe, subscription.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}
	stored := subscriber.StripeSubscriptionID
	if stored != "" && stored != subscription.ID {
		return h.stale(ctx, event, stored, subscription.ID), nil
	}

	if err := subscribers.SetActive(ctx, subscriber.ID, false); err != nil {
		return core.HandlerResult{}, err
	}
	if stored != "" {
		if err := subscribers.SetSubscriptionID(ctx, subscriber.ID, core.ProviderStripe, ""); err != nil {
			return core.HandlerResult{}, err
		}
	}

	var result core.HandlerResult
	n := notification(core.NotificationSubscriptionDeleted, subscriber, core.ProviderStripe, nil)
	n.SubscriptionID = subscription.ID
	result.Notify(n)
	return result, nil
}

func (h *handlers) stripeTrialWillEnd(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	subscription, err := decodeStripeObject[stripeSubscription](event)
	if err != nil {
		return core.HandlerResult{}, err
	}
	subscriber, err := tx.Subscribers().FindByCustomerID(ctx, core.ProviderStripe, subscription.Customer)
	if err != nil {
		return h.missing(ctx, event, err)
	}

	data := map[string]any{}
	if trialEnd := unixTime(subscription.TrialEnd); trialEnd != nil {
		data["trial_end"] = *trialEnd
	}
	var result core.HandlerResult
	result.Notify(notification(core.NotificationTrialWillEnd, subscriber, core.ProviderStripe, data))
	return result, nil
}

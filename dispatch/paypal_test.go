package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

func paypalSubscriber() core.Subscriber {
	return core.Subscriber{ID: "sub-1", Email: "local@example.com", PayPalSubscriptionID: "I-SUB1", FailedPayments: 2}
}

func TestPayPal_ActivatedResetsAndRevokes(t *testing.T) {
	tx := newMemoryTx(paypalSubscriber())
	tx.cancellations.scheduled["I-SUB1"] = core.ScheduledCancellation{SubscriptionID: "I-SUB1", Status: core.CancellationStatusPending}
	dispatcher, _ := NewDefault(Deps{})

	result, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionReactivated, map[string]any{
		"id":           "I-SUB1",
		"status":       "ACTIVE",
		"subscriber":   map[string]any{"email_address": "payload@example.com"},
		"billing_info": map[string]any{"next_billing_time": "2026-11-16T10:00:00Z"},
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := tx.subscriber("sub-1")
	if !got.Active || got.FailedPayments != 0 {
		t.Fatalf("expected active subscriber with reset counter, got %+v", got)
	}
	if got.NextBillingAt == nil || got.NextBillingAt.Format(time.RFC3339) != "2026-11-16T10:00:00Z" {
		t.Fatalf("expected next billing time stored, got %v", got.NextBillingAt)
	}
	if tx.cancellations.scheduled["I-SUB1"].Status != core.CancellationStatusRevoked {
		t.Fatalf("expected pending cancellation revoked")
	}
	if len(result.Notifications) != 1 || result.Notifications[0].Email != "local@example.com" {
		t.Fatalf("expected notification to the local email, got %+v", result.Notifications)
	}
}

func TestPayPal_CancelledDeactivatesAndClears(t *testing.T) {
	tx := newMemoryTx(core.Subscriber{ID: "sub-1", Active: true, PayPalSubscriptionID: "I-SUB1"})
	dispatcher, _ := NewDefault(Deps{})

	result, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionCancelled, map[string]any{"id": "I-SUB1", "status": "CANCELLED"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := tx.subscriber("sub-1")
	if got.Active || got.PayPalSubscriptionID != "" {
		t.Fatalf("expected deactivated subscriber, got %+v", got)
	}
	if len(result.Notifications) != 1 || result.Notifications[0].SubscriptionID != "I-SUB1" {
		t.Fatalf("expected cancelled notification naming the old subscription, got %+v", result.Notifications)
	}
}

func TestPayPal_SuspendedKeepsSubscription(t *testing.T) {
	tx := newMemoryTx(core.Subscriber{ID: "sub-1", Active: true, PayPalSubscriptionID: "I-SUB1"})
	dispatcher, _ := NewDefault(Deps{})

	if _, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionSuspended, map[string]any{"id": "I-SUB1"})); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := tx.subscriber("sub-1")
	if got.Active || got.PayPalSubscriptionID != "I-SUB1" {
		t.Fatalf("expected suspended subscriber to keep its id, got %+v", got)
	}
}

func TestPayPal_UnknownSubscriptionNotifiesPayloadEmail(t *testing.T) {
	dispatcher, _ := NewDefault(Deps{})
	result, err := dispatcher.Dispatch(context.Background(), newMemoryTx(), paypalEvent(PayPalSubscriptionExpired, map[string]any{
		"id":         "I-GHOST",
		"subscriber": map[string]any{"email_address": "payload@example.com"},
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected skipped result")
	}
	if len(result.Notifications) != 1 || result.Notifications[0].Email != "payload@example.com" {
		t.Fatalf("expected payload email notification, got %+v", result.Notifications)
	}
}

func TestPayPal_PaymentFailedBelowThreshold(t *testing.T) {
	subscriber := paypalSubscriber()
	subscriber.FailedPayments = 0
	tx := newMemoryTx(subscriber)
	gateway := &stubGateway{}
	dispatcher, _ := NewDefault(Deps{PayPal: gateway})

	result, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionPaymentFailed, map[string]any{"id": "I-SUB1"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if tx.subscriber("sub-1").FailedPayments != 1 {
		t.Fatalf("expected counter incremented")
	}
	if len(tx.cancellations.scheduled) != 0 || len(gateway.calls) != 0 {
		t.Fatalf("expected no cancellation below threshold")
	}
	if len(result.Notifications) != 1 || result.Notifications[0].Kind != core.NotificationPaymentFailed {
		t.Fatalf("expected payment_failed notification, got %+v", result.Notifications)
	}
}

func TestPayPal_PaymentFailedAtThresholdSchedulesCancellation(t *testing.T) {
	tx := newMemoryTx(paypalSubscriber())
	nextBilling := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	gateway := &stubGateway{remote: core.RemoteSubscription{NextBillingAt: &nextBilling}}
	dispatcher, _ := NewDefault(Deps{PayPal: gateway})

	result, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionPaymentFailed, map[string]any{"id": "I-SUB1"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	scheduled, ok := tx.cancellations.scheduled["I-SUB1"]
	if !ok {
		t.Fatalf("expected cancellation scheduled")
	}
	if !scheduled.RunAt.Equal(nextBilling) || scheduled.SubscriberID != "sub-1" {
		t.Fatalf("expected cancellation at next billing time, got %+v", scheduled)
	}
	if len(gateway.calls) != 1 || gateway.calls[0] != "I-SUB1" {
		t.Fatalf("expected provider lookup with stored id, got %v", gateway.calls)
	}
	if len(result.Notifications) != 2 || result.Notifications[1].Kind != core.NotificationCancellationScheduled {
		t.Fatalf("expected payment_failed and cancellation_scheduled notifications, got %+v", result.Notifications)
	}
}

func TestPayPal_PaymentFailedProviderErrorIsReturned(t *testing.T) {
	tx := newMemoryTx(paypalSubscriber())
	dispatcher, _ := NewDefault(Deps{PayPal: &stubGateway{err: errors.New("503")}})

	_, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionPaymentFailed, map[string]any{"id": "I-SUB1"}))
	if !core.HasTextCode(err, core.ErrorProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestPayPal_PaymentFailedFallsBackToPayloadTime(t *testing.T) {
	tx := newMemoryTx(paypalSubscriber())
	dispatcher, _ := NewDefault(Deps{FailedPaymentThreshold: 3})

	if _, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSubscriptionPaymentFailed, map[string]any{
		"id":           "I-SUB1",
		"billing_info": map[string]any{"next_billing_time": "2026-12-01T00:00:00Z"},
	})); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	scheduled := tx.cancellations.scheduled["I-SUB1"]
	if scheduled.RunAt.Format(time.RFC3339) != "2026-12-01T00:00:00Z" {
		t.Fatalf("expected payload next billing time, got %v", scheduled.RunAt)
	}
}

func TestPayPal_SaleCompletedRestoresSubscriber(t *testing.T) {
	subscriber := paypalSubscriber()
	tx := newMemoryTx(subscriber)
	tx.cancellations.scheduled["I-SUB1"] = core.ScheduledCancellation{SubscriptionID: "I-SUB1", Status: core.CancellationStatusPending}
	nextBilling := time.Date(2026, 12, 16, 0, 0, 0, 0, time.UTC)
	gateway := &stubGateway{remote: core.RemoteSubscription{NextBillingAt: &nextBilling}}
	dispatcher, _ := NewDefault(Deps{PayPal: gateway})

	result, err := dispatcher.Dispatch(context.Background(), tx, paypalEvent(PayPalSaleCompleted, map[string]any{
		"id":                   "SALE-1",
		"billing_agreement_id": "I-SUB1",
		"amount":               map[string]any{"total": "9.99", "currency": "USD"},
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := tx.subscriber("sub-1")
	if !got.Active || got.FailedPayments != 0 {
		t.Fatalf("expected active subscriber with reset counter, got %+v", got)
	}
	if got.NextBillingAt == nil || !got.NextBillingAt.Equal(nextBilling) {
		t.Fatalf("expected next billing refreshed from provider, got %v", got.NextBillingAt)
	}
	if tx.cancellations.scheduled["I-SUB1"].Status != core.CancellationStatusRevoked {
		t.Fatalf("expected pending cancellation revoked")
	}
	if len(result.Notifications) != 1 || result.Notifications[0].Kind != core.NotificationPaymentSucceeded {
		t.Fatalf("expected payment_succeeded notification, got %+v", result.Notifications)
	}
}

func TestPayPal_SaleWithoutAgreementIsSkipped(t *testing.T) {
	dispatcher, _ := NewDefault(Deps{})
	result, err := dispatcher.Dispatch(context.Background(), newMemoryTx(), paypalEvent(PayPalSaleCompleted, map[string]any{"id": "SALE-2"}))
	if err != nil || !result.Skipped {
		t.Fatalf("expected skipped success, got %+v err=%v", result, err)
	}
}

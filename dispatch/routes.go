package dispatch

import (
	"context"
	"time"

	"github.com/goliatone/go-billing-events/core"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultFailedPaymentThreshold = 3

const (
	StripeInvoicePaymentSucceeded   = "invoice.payment_succeeded"
	StripeInvoicePaymentFailed      = "invoice.payment_failed"
	StripeSubscriptionCreated       = "customer.subscription.created"
	StripeSubscriptionUpdated       = "customer.subscription.updated"
	StripeSubscriptionDeleted       = "customer.subscription.deleted"
	StripeSubscriptionTrialWillEnd  = "customer.subscription.trial_will_end"
	PayPalSubscriptionActivated     = "BILLING.SUBSCRIPTION.ACTIVATED"
	PayPalSubscriptionReactivated   = "BILLING.SUBSCRIPTION.RE-ACTIVATED"
	PayPalSubscriptionCancelled     = "BILLING.SUBSCRIPTION.CANCELLED"
	PayPalSubscriptionExpired       = "BILLING.SUBSCRIPTION.EXPIRED"
	PayPalSubscriptionSuspended     = "BILLING.SUBSCRIPTION.SUSPENDED"
	PayPalSubscriptionPaymentFailed = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	PayPalSaleCompleted             = "PAYMENT.SALE.COMPLETED"
)

// Deps are the collaborators shared by the built-in handlers. Gateways may
// be nil; handlers then fall back to what the payload carries.
type Deps struct {
	Stripe                 core.SubscriptionGateway
	PayPal                 core.SubscriptionGateway
	FailedPaymentThreshold int
	Now                    func() time.Time
	Logger                 core.Logger
}

type handlers struct {
	deps Deps
}

func newHandlers(deps Deps) *handlers {
	if deps.FailedPaymentThreshold <= 0 {
		deps.FailedPaymentThreshold = DefaultFailedPaymentThreshold
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = glog.Nop()
	}
	return &handlers{deps: deps}
}

func DefaultRoutes(deps Deps) map[Route]Handler {
	h := newHandlers(deps)
	stripe := func(eventType string) Route { return Route{Provider: core.ProviderStripe, EventType: eventType} }
	paypal := func(eventType string) Route { return Route{Provider: core.ProviderPayPal, EventType: eventType} }

	return map[Route]Handler{
		stripe(StripeInvoicePaymentSucceeded):  HandlerFunc(h.stripeInvoicePaid),
		stripe(StripeInvoicePaymentFailed):     HandlerFunc(h.stripeInvoiceFailed),
		stripe(StripeSubscriptionCreated):      HandlerFunc(h.stripeSubscriptionCreated),
		stripe(StripeSubscriptionUpdated):      HandlerFunc(h.stripeSubscriptionUpdated),
		stripe(StripeSubscriptionDeleted):      HandlerFunc(h.stripeSubscriptionDeleted),
		stripe(StripeSubscriptionTrialWillEnd): HandlerFunc(h.stripeTrialWillEnd),

		paypal(PayPalSubscriptionActivated):     HandlerFunc(h.paypalActivated(core.NotificationSubscriptionActivated)),
		paypal(PayPalSubscriptionReactivated):   HandlerFunc(h.paypalActivated(core.NotificationSubscriptionActivated)),
		paypal(PayPalSubscriptionCancelled):     HandlerFunc(h.paypalEnded(core.NotificationSubscriptionCancelled)),
		paypal(PayPalSubscriptionExpired):       HandlerFunc(h.paypalEnded(core.NotificationSubscriptionExpired)),
		paypal(PayPalSubscriptionSuspended):     HandlerFunc(h.paypalSuspended),
		paypal(PayPalSubscriptionPaymentFailed): HandlerFunc(h.paypalPaymentFailed),
		paypal(PayPalSaleCompleted):             HandlerFunc(h.paypalSaleCompleted),
	}
}

// NewDefault builds a dispatcher over the built-in Stripe and PayPal
// handlers.
func NewDefault(deps Deps, opts ...Option) (*Dispatcher, error) {
	if deps.Logger != nil {
		opts = append([]Option{WithLogger(deps.Logger)}, opts...)
	}
	return New(DefaultRoutes(deps), opts...)
}

// missing turns a subscriber lookup miss into a skipped success. Any other
// lookup error is returned for retry.
func (h *handlers) missing(ctx context.Context, event core.QueuedEvent, err error) (core.HandlerResult, error) {
	if !core.IsNotFound(err) {
		return core.HandlerResult{}, err
	}
	fields := core.EventFields(event)
	fields["error"] = err.Error()
	core.Log(ctx, h.deps.Logger, core.LevelWarn, "subscriber not found, event ignored", fields)
	return core.HandlerResult{Skipped: true, Reason: "subscriber not found"}, nil
}

func (h *handlers) stale(ctx context.Context, event core.QueuedEvent, stored string, incoming string) core.HandlerResult {
	fields := core.EventFields(event)
	fields["stored_subscription_id"] = stored
	fields["event_subscription_id"] = incoming
	core.Log(ctx, h.deps.Logger, core.LevelInfo, "stale subscription event ignored", fields)
	return core.HandlerResult{Skipped: true, Reason: "subscription replaced"}
}

func notification(kind core.NotificationKind, subscriber core.Subscriber, provider core.Provider, data map[string]any) core.Notification {
	return core.Notification{
		Kind:           kind,
		Provider:       provider,
		SubscriberID:   subscriber.ID,
		Email:          subscriber.Email,
		SubscriptionID: subscriber.SubscriptionID(provider),
		Data:           data,
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

type memorySubscribers struct {
	rows map[string]*core.Subscriber
	err  error
}

func newMemorySubscribers(subscribers ...core.Subscriber) *memorySubscribers {
	store := &memorySubscribers{rows: map[string]*core.Subscriber{}}
	for i := range subscribers {
		subscriber := subscribers[i]
		store.rows[subscriber.ID] = &subscriber
	}
	return store
}

func (s *memorySubscribers) FindByCustomerID(_ context.Context, provider core.Provider, customerID string) (core.Subscriber, error) {
	if s.err != nil {
		return core.Subscriber{}, s.err
	}
	for _, row := range s.rows {
		if provider == core.ProviderStripe && row.StripeCustomerID == customerID {
			return *row, nil
		}
	}
	return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "customer_id", customerID)
}

func (s *memorySubscribers) FindBySubscriptionID(_ context.Context, provider core.Provider, subscriptionID string) (core.Subscriber, error) {
	if s.err != nil {
		return core.Subscriber{}, s.err
	}
	for _, row := range s.rows {
		if subscriptionID != "" && row.SubscriptionID(provider) == subscriptionID {
			return *row, nil
		}
	}
	return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "subscription_id", subscriptionID)
}

func (s *memorySubscribers) SetActive(_ context.Context, id string, active bool) error {
	s.rows[id].Active = active
	return nil
}

func (s *memorySubscribers) SetSubscriptionID(_ context.Context, id string, provider core.Provider, subscriptionID string) error {
	switch provider {
	case core.ProviderStripe:
		s.rows[id].StripeSubscriptionID = subscriptionID
	case core.ProviderPayPal:
		s.rows[id].PayPalSubscriptionID = subscriptionID
	}
	return nil
}

func (s *memorySubscribers) IncrementFailedPayments(_ context.Context, id string) (int, error) {
	s.rows[id].FailedPayments++
	return s.rows[id].FailedPayments, nil
}

func (s *memorySubscribers) ResetFailedPayments(_ context.Context, id string) error {
	s.rows[id].FailedPayments = 0
	return nil
}

func (s *memorySubscribers) SetNextBillingAt(_ context.Context, id string, at *time.Time) error {
	s.rows[id].NextBillingAt = at
	return nil
}

type memoryCancellations struct {
	scheduled map[string]core.ScheduledCancellation
}

func (c *memoryCancellations) Schedule(_ context.Context, cancellation core.ScheduledCancellation) (core.ScheduledCancellation, error) {
	cancellation.Status = core.CancellationStatusPending
	c.scheduled[cancellation.SubscriptionID] = cancellation
	return cancellation, nil
}

func (c *memoryCancellations) Revoke(_ context.Context, _ core.Provider, subscriptionID string) (bool, error) {
	row, ok := c.scheduled[subscriptionID]
	if !ok || row.Status != core.CancellationStatusPending {
		return false, nil
	}
	row.Status = core.CancellationStatusRevoked
	c.scheduled[subscriptionID] = row
	return true, nil
}

type memoryTx struct {
	subscribers   *memorySubscribers
	cancellations *memoryCancellations
}

func newMemoryTx(subscribers ...core.Subscriber) *memoryTx {
	return &memoryTx{
		subscribers:   newMemorySubscribers(subscribers...),
		cancellations: &memoryCancellations{scheduled: map[string]core.ScheduledCancellation{}},
	}
}

func (t *memoryTx) Subscribers() core.SubscriberStore         { return t.subscribers }
func (t *memoryTx) Cancellations() core.CancellationScheduler { return t.cancellations }
func (t *memoryTx) Ledger() core.LedgerWriter                 { return nil }

func (t *memoryTx) subscriber(id string) core.Subscriber {
	return *t.subscribers.rows[id]
}

type stubGateway struct {
	remote core.RemoteSubscription
	err    error
	calls  []string
}

func (g *stubGateway) GetSubscription(_ context.Context, id string) (core.RemoteSubscription, error) {
	g.calls = append(g.calls, id)
	if g.err != nil {
		return core.RemoteSubscription{}, g.err
	}
	remote := g.remote
	remote.ID = id
	return remote, nil
}

func (g *stubGateway) CancelSubscription(context.Context, string, string) error {
	return errors.New("not used")
}

func stripeEvent(eventType string, object map[string]any) core.QueuedEvent {
	raw, _ := json.Marshal(map[string]any{
		"id":   "evt_test",
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	return core.QueuedEvent{Provider: core.ProviderStripe, EventID: "evt_test", EventType: eventType, RawPayload: raw}
}

func paypalEvent(eventType string, resource map[string]any) core.QueuedEvent {
	raw, _ := json.Marshal(map[string]any{
		"id":         "WH-test",
		"event_type": eventType,
		"resource":   resource,
	})
	return core.QueuedEvent{Provider: core.ProviderPayPal, EventID: "WH-test", EventType: eventType, RawPayload: raw}
}

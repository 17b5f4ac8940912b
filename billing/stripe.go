package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

const DefaultStripeBaseURL = "https://api.stripe.com"

type StripeClient struct {
	rest   *RESTClient
	apiKey string
}

func NewStripeClient(cfg core.StripeConfig, doer HTTPDoer) (*StripeClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("billing: stripe api key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultStripeBaseURL
	}
	rest := NewRESTClient(doer, baseURL)
	rest.DefaultHeaders["Authorization"] = "Bearer " + apiKey
	rest.DefaultHeaders["Accept"] = "application/json"
	return &StripeClient{rest: rest, apiKey: apiKey}, nil
}

type stripeSubscriptionResponse struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (r stripeSubscriptionResponse) periodEnd() *time.Time {
	end := r.CurrentPeriodEnd
	if end == 0 && len(r.Items.Data) > 0 {
		end = r.Items.Data[0].CurrentPeriodEnd
	}
	if end == 0 {
		return nil
	}
	at := time.Unix(end, 0).UTC()
	return &at
}

func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (core.RemoteSubscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return core.RemoteSubscription{}, fmt.Errorf("billing: stripe subscription id is required")
	}
	res, err := c.rest.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/v1/subscriptions/" + url.PathEscape(subscriptionID),
	})
	if err != nil {
		return core.RemoteSubscription{}, core.WrapProviderFailure(err, core.ProviderStripe, "get_subscription")
	}
	if !res.OK() {
		return core.RemoteSubscription{}, core.WrapProviderFailure(statusError(core.ProviderStripe, "get_subscription", res), core.ProviderStripe, "get_subscription")
	}
	var payload stripeSubscriptionResponse
	if err := decodeJSON(res, &payload); err != nil {
		return core.RemoteSubscription{}, core.WrapProviderFailure(err, core.ProviderStripe, "get_subscription")
	}
	periodEnd := payload.periodEnd()
	return core.RemoteSubscription{
		ID:               payload.ID,
		Provider:         core.ProviderStripe,
		CustomerID:       payload.Customer,
		Status:           payload.Status,
		NextBillingAt:    periodEnd,
		CurrentPeriodEnd: periodEnd,
	}, nil
}

// CancelSubscription cancels immediately. A subscription Stripe no longer
// knows about counts as cancelled.
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, reason string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return fmt.Errorf("billing: stripe subscription id is required")
	}
	form := url.Values{}
	if reason = strings.TrimSpace(reason); reason != "" {
		form.Set("cancellation_details[comment]", reason)
	}
	res, err := c.rest.Do(ctx, Request{
		Method:  http.MethodDelete,
		Path:    "/v1/subscriptions/" + url.PathEscape(subscriptionID),
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
	})
	if err != nil {
		return core.WrapProviderFailure(err, core.ProviderStripe, "cancel_subscription")
	}
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if !res.OK() {
		return core.WrapProviderFailure(statusError(core.ProviderStripe, "cancel_subscription", res), core.ProviderStripe, "cancel_subscription")
	}
	return nil
}

var _ core.SubscriptionGateway = (*StripeClient)(nil)

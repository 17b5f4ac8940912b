package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

const (
	DefaultPayPalBaseURL = "https://api-m.paypal.com"
	PayPalSandboxBaseURL = "https://api-m.sandbox.paypal.com"

	// DefaultTokenRenewBefore renews the cached access token this long
	// before PayPal expires it.
	DefaultTokenRenewBefore = time.Minute
)

// PayPal webhook transmission headers.
const (
	HeaderPayPalAuthAlgo         = "Paypal-Auth-Algo"
	HeaderPayPalCertURL          = "Paypal-Cert-Url"
	HeaderPayPalTransmissionID   = "Paypal-Transmission-Id"
	HeaderPayPalTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderPayPalTransmissionTime = "Paypal-Transmission-Time"
)

type PayPalClient struct {
	rest         *RESTClient
	clientID     string
	clientSecret string
	webhookID    string

	RenewBefore time.Duration
	Now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewPayPalClient(cfg core.PayPalConfig, doer HTTPDoer) (*PayPalClient, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("billing: paypal client id and secret are required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultPayPalBaseURL
	}
	rest := NewRESTClient(doer, baseURL)
	rest.DefaultHeaders["Accept"] = "application/json"
	return &PayPalClient{
		rest:         rest,
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    strings.TrimSpace(cfg.WebhookID),
		RenewBefore:  DefaultTokenRenewBefore,
		Now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// AccessToken returns the cached client-credentials token, fetching a new
// one once the cached token is inside the renewal window.
func (c *PayPalClient) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if c.token != "" && now.Add(c.RenewBefore).Before(c.expiresAt) {
		return c.token, nil
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	form := url.Values{"grant_type": []string{"client_credentials"}}
	res, err := c.rest.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/oauth2/token",
		Headers: map[string]string{
			"Authorization":   "Basic " + credentials,
			"Content-Type":    "application/x-www-form-urlencoded",
			"Accept-Language": "en_US",
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return "", core.WrapProviderFailure(err, core.ProviderPayPal, "access_token")
	}
	if !res.OK() {
		return "", core.WrapProviderFailure(statusError(core.ProviderPayPal, "access_token", res), core.ProviderPayPal, "access_token")
	}
	var payload paypalTokenResponse
	if err := decodeJSON(res, &payload); err != nil {
		return "", core.WrapProviderFailure(err, core.ProviderPayPal, "access_token")
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", core.WrapProviderFailure(fmt.Errorf("billing: paypal returned an empty access token"), core.ProviderPayPal, "access_token")
	}
	c.token = payload.AccessToken
	c.expiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *PayPalClient) authorized(ctx context.Context, operation string, req Request) (Response, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return Response{}, err
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Authorization"] = "Bearer " + token
	if len(req.Body) > 0 {
		req.Headers["Content-Type"] = "application/json"
	}
	res, err := c.rest.Do(ctx, req)
	if err != nil {
		return Response{}, core.WrapProviderFailure(err, core.ProviderPayPal, operation)
	}
	if res.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return res, nil
}

func (c *PayPalClient) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

type paypalSubscriptionResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Subscriber struct {
		PayerID string `json:"payer_id"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime     string `json:"next_billing_time"`
		FailedPaymentsCount int    `json:"failed_payments_count"`
	} `json:"billing_info"`
}

func (c *PayPalClient) GetSubscription(ctx context.Context, subscriptionID string) (core.RemoteSubscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return core.RemoteSubscription{}, fmt.Errorf("billing: paypal subscription id is required")
	}
	res, err := c.authorized(ctx, "get_subscription", Request{
		Method: http.MethodGet,
		Path:   "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID),
	})
	if err != nil {
		return core.RemoteSubscription{}, err
	}
	if !res.OK() {
		return core.RemoteSubscription{}, core.WrapProviderFailure(statusError(core.ProviderPayPal, "get_subscription", res), core.ProviderPayPal, "get_subscription")
	}
	var payload paypalSubscriptionResponse
	if err := decodeJSON(res, &payload); err != nil {
		return core.RemoteSubscription{}, core.WrapProviderFailure(err, core.ProviderPayPal, "get_subscription")
	}
	remote := core.RemoteSubscription{
		ID:             payload.ID,
		Provider:       core.ProviderPayPal,
		CustomerID:     payload.Subscriber.PayerID,
		Status:         payload.Status,
		FailedPayments: payload.BillingInfo.FailedPaymentsCount,
	}
	if raw := strings.TrimSpace(payload.BillingInfo.NextBillingTime); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			at = at.UTC()
			remote.NextBillingAt = &at
		}
	}
	return remote, nil
}

// CancelSubscription cancels the agreement. PayPal answers 422 for an
// agreement that is already cancelled, which counts as success.
func (c *PayPalClient) CancelSubscription(ctx context.Context, subscriptionID string, reason string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return fmt.Errorf("billing: paypal subscription id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Subscription cancelled"
	}
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	res, err := c.authorized(ctx, "cancel_subscription", Request{
		Method: http.MethodPost,
		Path:   "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel",
		Body:   body,
	})
	if err != nil {
		return err
	}
	if res.OK() || res.StatusCode == http.StatusUnprocessableEntity {
		return nil
	}
	return core.WrapProviderFailure(statusError(core.ProviderPayPal, "cancel_subscription", res), core.ProviderPayPal, "cancel_subscription")
}

type verifySignatureRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks PayPal to verify a webhook delivery against the
// configured webhook id.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error {
	if c.webhookID == "" {
		return fmt.Errorf("billing: paypal webhook id is required")
	}
	request := verifySignatureRequest{
		AuthAlgo:         headers.Get(HeaderPayPalAuthAlgo),
		CertURL:          headers.Get(HeaderPayPalCertURL),
		TransmissionID:   headers.Get(HeaderPayPalTransmissionID),
		TransmissionSig:  headers.Get(HeaderPayPalTransmissionSig),
		TransmissionTime: headers.Get(HeaderPayPalTransmissionTime),
		WebhookID:        c.webhookID,
		WebhookEvent:     json.RawMessage(body),
	}
	if request.TransmissionID == "" || request.TransmissionSig == "" {
		return core.ErrSignatureInvalid("missing paypal transmission headers")
	}
	if !json.Valid(body) {
		return core.ErrMalformedEvent("paypal webhook body is not valid json")
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}
	res, err := c.authorized(ctx, "verify_webhook_signature", Request{
		Method: http.MethodPost,
		Path:   "/v1/notifications/verify-webhook-signature",
		Body:   payload,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return core.WrapProviderFailure(statusError(core.ProviderPayPal, "verify_webhook_signature", res), core.ProviderPayPal, "verify_webhook_signature")
	}
	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := decodeJSON(res, &verdict); err != nil {
		return core.WrapProviderFailure(err, core.ProviderPayPal, "verify_webhook_signature")
	}
	if !strings.EqualFold(verdict.VerificationStatus, "SUCCESS") {
		return core.ErrSignatureInvalid("paypal verification status " + verdict.VerificationStatus)
	}
	return nil
}

var _ core.SubscriptionGateway = (*PayPalClient)(nil)

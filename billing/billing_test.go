package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-billing-events/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestRESTClient_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	client := NewRESTClient(server.Client(), server.URL)
	client.MaxResponseBodyBytes = 4

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

func TestRESTClient_NilReturnsRichError(t *testing.T) {
	var client *RESTClient
	_, err := client.Do(context.Background(), Request{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal go-errors envelope, got %v", err)
	}
}

func TestStripeClient_GetSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub_123" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"sub_123","customer":"cus_1","status":"active","items":{"data":[{"current_period_end":1792108800}]}}`))
	}))
	defer server.Close()

	client, err := NewStripeClient(core.StripeConfig{APIKey: "sk_test", BaseURL: server.URL}, server.Client())
	if err != nil {
		t.Fatalf("new stripe client: %v", err)
	}
	remote, err := client.GetSubscription(context.Background(), "sub_123")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if remote.CustomerID != "cus_1" || remote.Status != "active" {
		t.Fatalf("unexpected remote subscription: %+v", remote)
	}
	if remote.NextBillingAt == nil || remote.NextBillingAt.Unix() != 1792108800 {
		t.Fatalf("expected period end from items, got %v", remote.NextBillingAt)
	}
}

func TestStripeClient_CancelSubscription(t *testing.T) {
	var form string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		form = string(body)
		if r.URL.Path == "/v1/subscriptions/sub_gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"sub_1","status":"canceled"}`))
	}))
	defer server.Close()

	client, _ := NewStripeClient(core.StripeConfig{APIKey: "sk_test", BaseURL: server.URL}, server.Client())
	if err := client.CancelSubscription(context.Background(), "sub_1", "too many failed payments"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(form, "cancellation_details%5Bcomment%5D=too+many+failed+payments") {
		t.Fatalf("expected cancellation comment in form, got %q", form)
	}
	if err := client.CancelSubscription(context.Background(), "sub_gone", ""); err != nil {
		t.Fatalf("expected missing subscription to count as cancelled, got %v", err)
	}
}

func TestStripeClient_ServerErrorIsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := NewStripeClient(core.StripeConfig{APIKey: "sk_test", BaseURL: server.URL}, server.Client())
	_, err := client.GetSubscription(context.Background(), "sub_1")
	if !core.HasTextCode(err, core.ErrorProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestNewStripeClient_RequiresAPIKey(t *testing.T) {
	if _, err := NewStripeClient(core.StripeConfig{}, nil); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

type paypalFake struct {
	tokenCalls  atomic.Int32
	verifyState string
	lastCancel  map[string]string
	lastVerify  verifySignatureRequest
}

func (f *paypalFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			t.Errorf("expected basic auth credentials, got %q/%q", user, pass)
		}
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/billing/subscriptions/I-SUB1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"I-SUB1","status":"ACTIVE","subscriber":{"payer_id":"PAYER1"},"billing_info":{"next_billing_time":"2026-11-16T10:00:00Z","failed_payments_count":2}}`))
	})
	mux.HandleFunc("/v1/billing/subscriptions/I-SUB1/cancel", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.lastCancel)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/billing/subscriptions/I-DONE/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.lastVerify)
		_, _ = w.Write([]byte(`{"verification_status":"` + f.verifyState + `"}`))
	})
	return mux
}

func newPayPalTestClient(t *testing.T, fake *paypalFake) (*PayPalClient, func()) {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	client, err := NewPayPalClient(core.PayPalConfig{ClientID: "client", ClientSecret: "secret", WebhookID: "WH-1", BaseURL: server.URL}, server.Client())
	if err != nil {
		server.Close()
		t.Fatalf("new paypal client: %v", err)
	}
	return client, server.Close
}

func TestPayPalClient_TokenIsCachedUntilRenewalWindow(t *testing.T) {
	fake := &paypalFake{}
	client, cleanup := newPayPalTestClient(t, fake)
	defer cleanup()

	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	client.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := client.AccessToken(context.Background()); err != nil {
			t.Fatalf("access token: %v", err)
		}
	}
	if fake.tokenCalls.Load() != 1 {
		t.Fatalf("expected one token request, got %d", fake.tokenCalls.Load())
	}

	now = now.Add(59*time.Minute + 30*time.Second)
	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("access token: %v", err)
	}
	if fake.tokenCalls.Load() != 2 {
		t.Fatalf("expected renewal inside the window, got %d token requests", fake.tokenCalls.Load())
	}
}

func TestPayPalClient_GetSubscription(t *testing.T) {
	client, cleanup := newPayPalTestClient(t, &paypalFake{})
	defer cleanup()

	remote, err := client.GetSubscription(context.Background(), "I-SUB1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if remote.Status != "ACTIVE" || remote.CustomerID != "PAYER1" || remote.FailedPayments != 2 {
		t.Fatalf("unexpected remote subscription: %+v", remote)
	}
	if remote.NextBillingAt == nil || remote.NextBillingAt.Format(time.RFC3339) != "2026-11-16T10:00:00Z" {
		t.Fatalf("expected next billing time, got %v", remote.NextBillingAt)
	}
}

func TestPayPalClient_CancelSubscription(t *testing.T) {
	fake := &paypalFake{}
	client, cleanup := newPayPalTestClient(t, fake)
	defer cleanup()

	if err := client.CancelSubscription(context.Background(), "I-SUB1", "payment failures"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if fake.lastCancel["reason"] != "payment failures" {
		t.Fatalf("expected cancel reason forwarded, got %v", fake.lastCancel)
	}
	if err := client.CancelSubscription(context.Background(), "I-DONE", ""); err != nil {
		t.Fatalf("expected already cancelled agreement to succeed, got %v", err)
	}
}

func TestPayPalClient_VerifyWebhookSignature(t *testing.T) {
	fake := &paypalFake{verifyState: "SUCCESS"}
	client, cleanup := newPayPalTestClient(t, fake)
	defer cleanup()

	headers := http.Header{}
	headers.Set(HeaderPayPalAuthAlgo, "SHA256withRSA")
	headers.Set(HeaderPayPalCertURL, "https://api.paypal.com/cert")
	headers.Set(HeaderPayPalTransmissionID, "tx-1")
	headers.Set(HeaderPayPalTransmissionSig, "sig")
	headers.Set(HeaderPayPalTransmissionTime, "2026-10-16T10:00:00Z")
	body := []byte(`{"id":"WH-EVT-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`)

	if err := client.VerifyWebhookSignature(context.Background(), headers, body); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if fake.lastVerify.WebhookID != "WH-1" || fake.lastVerify.TransmissionID != "tx-1" {
		t.Fatalf("unexpected verification request: %+v", fake.lastVerify)
	}
	if string(fake.lastVerify.WebhookEvent) != string(body) {
		t.Fatalf("expected raw event forwarded, got %s", fake.lastVerify.WebhookEvent)
	}

	fake.verifyState = "FAILURE"
	if err := client.VerifyWebhookSignature(context.Background(), headers, body); !core.HasTextCode(err, core.ErrorSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}

	if err := client.VerifyWebhookSignature(context.Background(), http.Header{}, body); !core.HasTextCode(err, core.ErrorSignatureInvalid) {
		t.Fatalf("expected missing headers to be rejected, got %v", err)
	}
}

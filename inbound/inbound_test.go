package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-billing-events/queue"
	goerrors "github.com/goliatone/go-errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "whsec_test"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const stripePayload = `{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{"customer":"cus_1"}}}`
const paypalPayload = `{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-SUB1"}}`

func newStripeVerifier() StripeVerifier {
	return StripeVerifier{Secret: testSecret, Window: 5 * time.Minute, Now: func() time.Time { return fixedNow }}
}

func stripeRequest(body string, at time.Time) Request {
	headers := http.Header{}
	headers.Set(StripeSignatureHeader, StripeSignatureHeaderValue(testSecret, at, []byte(body)))
	return Request{Provider: core.ProviderStripe, Headers: headers, Body: []byte(body)}
}

func TestStripeVerifier(t *testing.T) {
	ctx := context.Background()
	verifier := newStripeVerifier()

	if err := verifier.Verify(ctx, stripeRequest(stripePayload, fixedNow.Add(-time.Minute))); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := verifier.Verify(ctx, stripeRequest(stripePayload, fixedNow.Add(-10*time.Minute))); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}

	tampered := stripeRequest(stripePayload, fixedNow)
	tampered.Body = []byte(strings.Replace(stripePayload, "cus_1", "cus_2", 1))
	if err := verifier.Verify(ctx, tampered); err == nil {
		t.Fatalf("expected tampered body to be rejected")
	}

	rotated := stripeRequest(stripePayload, fixedNow)
	rotated.Headers.Set(StripeSignatureHeader, rotated.Headers.Get(StripeSignatureHeader)+",v1=deadbeef")
	if err := verifier.Verify(ctx, rotated); err != nil {
		t.Fatalf("expected any matching v1 signature to pass, got %v", err)
	}

	if err := verifier.Verify(ctx, Request{Headers: http.Header{}, Body: []byte(stripePayload)}); err == nil {
		t.Fatalf("expected missing header to be rejected")
	}
	if err := (StripeVerifier{}).Verify(ctx, stripeRequest(stripePayload, fixedNow)); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}

type stubSignatureClient struct {
	err error
}

func (s stubSignatureClient) VerifyWebhookSignature(context.Context, http.Header, []byte) error {
	return s.err
}

func TestPayPalVerifier_DelegatesToClient(t *testing.T) {
	ok := PayPalVerifier{Client: stubSignatureClient{}}
	if err := ok.Verify(context.Background(), Request{}); err != nil {
		t.Fatalf("expected delegate success, got %v", err)
	}
	bad := PayPalVerifier{Client: stubSignatureClient{err: core.ErrSignatureInvalid("FAILURE")}}
	if err := bad.Verify(context.Background(), Request{}); err == nil {
		t.Fatalf("expected delegate failure")
	}
	if err := (PayPalVerifier{}).Verify(context.Background(), Request{}); err == nil {
		t.Fatalf("expected missing client to fail")
	}
}

func TestDuplicateGuard_CoalescesWithinWindow(t *testing.T) {
	guard := NewDuplicateGuard(time.Second, 10)
	now := fixedNow
	guard.now = func() time.Time { return now }

	if !guard.Allow("stripe:evt_1") {
		t.Fatalf("expected first delivery to pass")
	}
	if guard.Allow("stripe:evt_1") {
		t.Fatalf("expected burst duplicate to be coalesced")
	}
	now = now.Add(2 * time.Second)
	if !guard.Allow("stripe:evt_1") {
		t.Fatalf("expected delivery after window to pass")
	}
	guard.Forget("stripe:evt_1")
	if !guard.Allow("stripe:evt_1") {
		t.Fatalf("expected forgotten key to pass")
	}
	if !guard.Allow("") {
		t.Fatalf("expected empty key to pass")
	}
}

func newTestReceiver(t *testing.T) (*Receiver, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue()
	receiver := NewReceiver(q)
	if err := receiver.Register(core.ProviderStripe, newStripeVerifier()); err != nil {
		t.Fatalf("register stripe: %v", err)
	}
	if err := receiver.Register(core.ProviderPayPal, PayPalVerifier{Client: stubSignatureClient{}}); err != nil {
		t.Fatalf("register paypal: %v", err)
	}
	return receiver, q
}

func TestReceiver_RegisterRejectsDuplicatesAndUnknownProviders(t *testing.T) {
	receiver, _ := newTestReceiver(t)
	err := receiver.Register(core.ProviderStripe, newStripeVerifier())
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if err := receiver.Register(core.Provider("square"), newStripeVerifier()); err == nil {
		t.Fatalf("expected unknown provider to be rejected")
	}
	if got := receiver.Providers(); len(got) != 2 {
		t.Fatalf("expected two providers, got %v", got)
	}
}

func TestReceiver_EnqueuesVerifiedPayload(t *testing.T) {
	ctx := context.Background()
	receiver, q := newTestReceiver(t)

	receipt, err := receiver.Receive(ctx, stripeRequest(stripePayload, fixedNow))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if receipt.EventID != "evt_1" || receipt.EventType != "invoice.payment_succeeded" || receipt.Duplicate {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	raw, ok, err := q.Dequeue(ctx, 10*time.Millisecond)
	if err != nil || !ok || string(raw) != stripePayload {
		t.Fatalf("expected raw payload on queue, got %q ok=%v err=%v", raw, ok, err)
	}
}

func TestReceiver_RejectsBadDeliveries(t *testing.T) {
	ctx := context.Background()
	receiver, q := newTestReceiver(t)

	unsigned := stripeRequest(stripePayload, fixedNow)
	unsigned.Headers.Del(StripeSignatureHeader)
	_, err := receiver.Receive(ctx, unsigned)
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Code != http.StatusUnauthorized || rich.TextCode != core.ErrorSignatureInvalid {
		t.Fatalf("expected 401 signature error, got %v", err)
	}

	// A PayPal-shaped body on the Stripe endpoint is rejected even when signed.
	if _, err := receiver.Receive(ctx, stripeRequest(paypalPayload, fixedNow)); err == nil {
		t.Fatalf("expected provider mismatch to be rejected")
	}
	if _, err := receiver.Receive(ctx, stripeRequest(`{"type":"invoice.paid"}`, fixedNow)); !core.IsMalformedEvent(err) {
		t.Fatalf("expected malformed error for missing id, got %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("expected nothing enqueued, got depth %d", depth)
	}
}

func TestReceiver_DuplicateGuard(t *testing.T) {
	ctx := context.Background()
	receiver, q := newTestReceiver(t)
	receiver.Guard = NewDuplicateGuard(time.Minute, 0)

	req := Request{Provider: core.ProviderPayPal, Headers: http.Header{}, Body: []byte(paypalPayload)}
	if _, err := receiver.Receive(ctx, req); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	receipt, err := receiver.Receive(ctx, req)
	if err != nil || !receipt.Duplicate {
		t.Fatalf("expected coalesced duplicate, got %+v err=%v", receipt, err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("expected one queued payload, got %d", depth)
	}
}

type failingQueue struct {
	core.EventQueue
}

func (failingQueue) Enqueue(context.Context, []byte) error {
	return core.WrapTransport(errors.New("connection refused"), core.ErrorQueueUnavailable, "queue: enqueue failed")
}

func TestServer_WebhookEndpoints(t *testing.T) {
	receiver, q := newTestReceiver(t)
	server, err := NewServer(ServerConfig{MaxBodyBytes: 512}, receiver)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(stripePayload))
	req.Header.Set(StripeSignatureHeader, StripeSignatureHeaderValue(testSecret, fixedNow, []byte(stripePayload)))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if depth, _ := q.Depth(context.Background()); depth != 1 {
		t.Fatalf("expected payload enqueued, depth %d", depth)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(stripePayload)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned delivery, got %d", rec.Code)
	}
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.TextCode != core.ErrorSignatureInvalid {
		t.Fatalf("expected signature text code, got %+v", body.Error)
	}

	rec = httptest.NewRecorder()
	big := bytes.Repeat([]byte("x"), 1024)
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(paypalPayload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected paypal 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_QueueFailureIsServiceError(t *testing.T) {
	receiver := NewReceiver(failingQueue{})
	if err := receiver.Register(core.ProviderPayPal, PayPalVerifier{Client: stubSignatureClient{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	server, err := NewServer(ServerConfig{}, receiver)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(paypalPayload)))
	if rec.Code < 500 {
		t.Fatalf("expected 5xx so the provider retries, got %d", rec.Code)
	}
}

type stubLedger struct {
	records    map[string]core.LedgerRecord
	lastFilter core.LedgerFilter
}

func (s *stubLedger) GetStatus(_ context.Context, eventID string) (core.LedgerStatus, error) {
	if record, ok := s.records[eventID]; ok {
		return record.Status, nil
	}
	return core.LedgerStatusAbsent, nil
}

func (s *stubLedger) Record(context.Context, core.LedgerEntry) error { return nil }

func (s *stubLedger) Get(_ context.Context, eventID string) (core.LedgerRecord, error) {
	record, ok := s.records[eventID]
	if !ok {
		return core.LedgerRecord{}, core.ErrLedgerRecordNotFound(eventID)
	}
	return record, nil
}

func (s *stubLedger) List(_ context.Context, filter core.LedgerFilter) ([]core.LedgerRecord, error) {
	s.lastFilter = filter
	out := []core.LedgerRecord{}
	for _, record := range s.records {
		if filter.Status == "" || record.Status == filter.Status {
			out = append(out, record)
		}
	}
	return out, nil
}

func TestServer_LedgerAndHealth(t *testing.T) {
	receiver, _ := newTestReceiver(t)
	ledger := &stubLedger{records: map[string]core.LedgerRecord{
		"evt_1": {ID: "l1", EventID: "evt_1", Provider: core.ProviderStripe, EventType: "invoice.payment_failed", Status: core.LedgerStatusFailed, Attempts: 3, LastError: "boom"},
		"evt_2": {ID: "l2", EventID: "evt_2", Provider: core.ProviderStripe, EventType: "invoice.payment_succeeded", Status: core.LedgerStatusProcessed, Attempts: 1},
	}}
	server, err := NewServer(ServerConfig{}, receiver,
		WithLedger(ledger),
		WithHealth(func(context.Context) (Health, error) {
			return Health{QueueDepth: 7, PoolSize: 3, MinWorkers: 2, MaxWorkers: 10}, nil
		}),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/evt_1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Fatalf("unexpected ledger get %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger?status=failed&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected list 200, got %d", rec.Code)
	}
	var list struct {
		Records []ledgerResponse `json:"records"`
		Count   int              `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Records[0].EventID != "evt_1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if ledger.lastFilter.Limit != 10 || ledger.lastFilter.Status != core.LedgerStatusFailed {
		t.Fatalf("unexpected filter %+v", ledger.lastFilter)
	}

	for _, query := range []string{"/ledger?status=pending", "/ledger?limit=0", "/ledger?limit=abc", "/ledger?provider=square"} {
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, rec.Code)
		}
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusOK || health.Status != "ok" || health.QueueDepth != 7 || health.PoolSize != 3 {
		t.Fatalf("unexpected health %d %+v", rec.Code, health)
	}
}

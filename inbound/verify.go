package inbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

const (
	StripeSignatureHeader        = "Stripe-Signature"
	DefaultStripeSignatureWindow = 5 * time.Minute
)

// Request is one webhook delivery as received.
type Request struct {
	Provider core.Provider
	Headers  http.Header
	Body     []byte
}

type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// StripeVerifier checks the Stripe-Signature header: an HMAC-SHA256 of
// "<t>.<body>" keyed by the endpoint secret, with t inside Window of now.
type StripeVerifier struct {
	Secret string
	Window time.Duration
	Now    func() time.Time
}

func (v StripeVerifier) Verify(_ context.Context, req Request) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("inbound: stripe webhook secret is required")
	}
	header := strings.TrimSpace(req.Headers.Get(StripeSignatureHeader))
	if header == "" {
		return fmt.Errorf("inbound: %s header is required", StripeSignatureHeader)
	}

	timestamp, signatures := parseStripeSignature(header)
	if timestamp == "" {
		return fmt.Errorf("inbound: stripe signature timestamp is required")
	}
	if len(signatures) == 0 {
		return fmt.Errorf("inbound: stripe signature has no v1 value")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("inbound: stripe signature timestamp is invalid: %w", err)
	}
	window := v.Window
	if window <= 0 {
		window = DefaultStripeSignatureWindow
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew > window || skew < -window {
		return fmt.Errorf("inbound: stripe signature timestamp outside tolerance window")
	}

	expected := StripeSignature(secret, timestamp, req.Body)
	for _, candidate := range signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return fmt.Errorf("inbound: stripe signature verification failed")
}

func (v StripeVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// StripeSignature computes the v1 signature bytes for a payload.
func StripeSignature(secret string, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// StripeSignatureHeaderValue builds a Stripe-Signature header for body.
func StripeSignatureHeaderValue(secret string, at time.Time, body []byte) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(StripeSignature(secret, timestamp, body))
}

func parseStripeSignature(header string) (string, []string) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			if value = strings.TrimSpace(value); value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	return timestamp, signatures
}

// SignatureVerifier verifies a delivery with the provider's own API.
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error
}

// PayPalVerifier posts the transmission headers back to PayPal for
// verification.
type PayPalVerifier struct {
	Client SignatureVerifier
}

func (v PayPalVerifier) Verify(ctx context.Context, req Request) error {
	if v.Client == nil {
		return fmt.Errorf("inbound: paypal verification client is required")
	}
	return v.Client.VerifyWebhookSignature(ctx, req.Headers, req.Body)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req Request) error

func (f VerifierFunc) Verify(ctx context.Context, req Request) error {
	return f(ctx, req)
}

var (
	_ Verifier = StripeVerifier{}
	_ Verifier = PayPalVerifier{}
	_ Verifier = VerifierFunc(nil)
)

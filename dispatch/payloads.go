package dispatch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

type stripeEnvelope struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeInvoice struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Subscription     string `json:"subscription"`
	AmountPaid       int64  `json:"amount_paid"`
	AmountDue        int64  `json:"amount_due"`
	Currency         string `json:"currency"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	AttemptCount     int    `json:"attempt_count"`
}

type stripeSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	TrialEnd         int64  `json:"trial_end"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

func (s stripeSubscription) activeStatus() bool {
	switch strings.ToLower(s.Status) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

type paypalEnvelope struct {
	Resource json.RawMessage `json:"resource"`
}

type paypalSubscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PlanID     string `json:"plan_id"`
	Subscriber struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime     string `json:"next_billing_time"`
		FailedPaymentsCount int    `json:"failed_payments_count"`
	} `json:"billing_info"`
}

type paypalSale struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	State              string `json:"state"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func decodeStripeObject[T any](event core.QueuedEvent) (T, error) {
	var out T
	var envelope stripeEnvelope
	if err := json.Unmarshal(event.RawPayload, &envelope); err != nil {
		return out, core.ErrMalformedEvent("stripe envelope: " + err.Error())
	}
	if len(envelope.Data.Object) == 0 {
		return out, core.ErrMalformedEvent("stripe event has no data.object")
	}
	if err := json.Unmarshal(envelope.Data.Object, &out); err != nil {
		return out, core.ErrMalformedEvent("stripe data.object: " + err.Error())
	}
	return out, nil
}

func decodePayPalResource[T any](event core.QueuedEvent) (T, error) {
	var out T
	var envelope paypalEnvelope
	if err := json.Unmarshal(event.RawPayload, &envelope); err != nil {
		return out, core.ErrMalformedEvent("paypal envelope: " + err.Error())
	}
	if len(envelope.Resource) == 0 {
		return out, core.ErrMalformedEvent("paypal event has no resource")
	}
	if err := json.Unmarshal(envelope.Resource, &out); err != nil {
		return out, core.ErrMalformedEvent("paypal resource: " + err.Error())
	}
	return out, nil
}

func unixTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	at := time.Unix(seconds, 0).UTC()
	return &at
}

func parsePayPalTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	at = at.UTC()
	return &at
}

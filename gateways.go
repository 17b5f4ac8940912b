package billingevents

import (
	"strings"

	"github.com/goliatone/go-billing-events/billing"
	"github.com/goliatone/go-billing-events/core"
)

func StripeGateway(cfg core.StripeConfig, doer billing.HTTPDoer) (*billing.StripeClient, error) {
	return billing.NewStripeClient(cfg, doer)
}

func PayPalGateway(cfg core.PayPalConfig, doer billing.HTTPDoer) (*billing.PayPalClient, error) {
	return billing.NewPayPalClient(cfg, doer)
}

// configuredGateways builds a client per provider with credentials set.
// Providers without credentials get no gateway; handlers then rely on the
// payload alone and cancellation jobs for them are dead-lettered.
func configuredGateways(cfg core.Config, doer billing.HTTPDoer) (*billing.StripeClient, *billing.PayPalClient, error) {
	var stripe *billing.StripeClient
	var paypal *billing.PayPalClient
	var err error
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		if stripe, err = StripeGateway(cfg.Stripe, doer); err != nil {
			return nil, nil, err
		}
	}
	if strings.TrimSpace(cfg.PayPal.ClientID) != "" {
		if paypal, err = PayPalGateway(cfg.PayPal, doer); err != nil {
			return nil, nil, err
		}
	}
	return stripe, paypal, nil
}

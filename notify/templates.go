package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/goliatone/go-billing-events/core"
)

type mailTemplate struct {
	subject string
	body    *template.Template
}

func mustTemplate(name string, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=zero").Parse(text))
}

var templates = map[core.NotificationKind]mailTemplate{
	core.NotificationPaymentSucceeded: {
		subject: "Payment received",
		body:    mustTemplate("payment_succeeded", "Hello,\n\nWe received your payment{{with .Data.amount}} of {{.}}{{end}}{{with .Data.currency}} {{.}}{{end}}. Your subscription is active.\n"),
	},
	core.NotificationPaymentFailed: {
		subject: "Payment failed",
		body:    mustTemplate("payment_failed", "Hello,\n\nWe could not process your latest payment{{with .Data.failed_payments}} (attempt {{.}}){{end}}. Please update your payment method to keep your subscription.\n"),
	},
	core.NotificationSubscriptionCreated: {
		subject: "Welcome to your subscription",
		body:    mustTemplate("subscription_created", "Hello,\n\nYour subscription {{.SubscriptionID}} has been created.{{with .Data.next_billing_at}} Your next billing date is {{.}}.{{end}}\n"),
	},
	core.NotificationSubscriptionActivated: {
		subject: "Your subscription is active",
		body:    mustTemplate("subscription_activated", "Hello,\n\nYour {{.Provider}} subscription {{.SubscriptionID}} is now active.\n"),
	},
	core.NotificationSubscriptionCancelled: {
		subject: "Your subscription was cancelled",
		body:    mustTemplate("subscription_cancelled", "Hello,\n\nYour {{.Provider}} subscription {{.SubscriptionID}} has been cancelled.\n"),
	},
	core.NotificationSubscriptionExpired: {
		subject: "Your subscription has expired",
		body:    mustTemplate("subscription_expired", "Hello,\n\nYour {{.Provider}} subscription {{.SubscriptionID}} has expired.\n"),
	},
	core.NotificationSubscriptionSuspended: {
		subject: "Your subscription was suspended",
		body:    mustTemplate("subscription_suspended", "Hello,\n\nYour {{.Provider}} subscription {{.SubscriptionID}} has been suspended.\n"),
	},
	core.NotificationSubscriptionDeleted: {
		subject: "Your subscription has ended",
		body:    mustTemplate("subscription_deleted", "Hello,\n\nYour subscription {{.SubscriptionID}} has ended. You can subscribe again at any time.\n"),
	},
	core.NotificationTrialWillEnd: {
		subject: "Your trial is ending soon",
		body:    mustTemplate("trial_will_end", "Hello,\n\nYour trial ends{{with .Data.trial_end}} on {{.}}{{else}} soon{{end}}. Billing starts automatically afterwards.\n"),
	},
	core.NotificationCancellationScheduled: {
		subject: "Your subscription will be cancelled",
		body:    mustTemplate("cancellation_scheduled", "Hello,\n\nAfter repeated failed payments your subscription {{.SubscriptionID}} will be cancelled{{with .Data.run_at}} on {{.}}{{end}}.\n"),
	},
}

// Render returns the subject and plain-text body for a notification.
func Render(n core.Notification) (string, string, error) {
	tpl, ok := templates[n.Kind]
	if !ok {
		return "", "", fmt.Errorf("notify: no template for notification kind %q", n.Kind)
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	var body bytes.Buffer
	if err := tpl.body.Execute(&body, n); err != nil {
		return "", "", fmt.Errorf("notify: render %s: %w", n.Kind, err)
	}
	return tpl.subject, body.String(), nil
}

package notify

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/goliatone/go-billing-events/core"
)

const MessageTypeSendNotification = "billing.notification.send"

// SendNotification is the command bus message for one subscriber email.
type SendNotification struct {
	Notification core.Notification
}

func (SendNotification) Type() string {
	return MessageTypeSendNotification
}

func (m SendNotification) Validate() error {
	if strings.TrimSpace(string(m.Notification.Kind)) == "" {
		return fmt.Errorf("notify: notification kind is required")
	}
	email := strings.TrimSpace(m.Notification.Email)
	if email == "" {
		return fmt.Errorf("notify: recipient email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("notify: invalid recipient email %q: %w", email, err)
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// MailCommand renders a notification and hands it to the mailer.
type MailCommand struct {
	Mailer Mailer
	From   string
	Logger core.Logger
}

func (c *MailCommand) Execute(ctx context.Context, msg SendNotification) error {
	if c == nil || c.Mailer == nil {
		return fmt.Errorf("notify: mail command requires a mailer")
	}
	subject, body, err := Render(msg.Notification)
	if err != nil {
		return err
	}
	mail := Mail{
		From:    c.From,
		To:      strings.TrimSpace(msg.Notification.Email),
		Subject: subject,
		Body:    body,
	}
	fields := map[string]any{
		"kind":          string(msg.Notification.Kind),
		"event_id":      msg.Notification.EventID,
		"subscriber_id": msg.Notification.SubscriberID,
	}
	if err := c.Mailer.Send(ctx, mail); err != nil {
		fields["error"] = err.Error()
		core.Log(ctx, c.Logger, core.LevelWarn, "notification mail failed", fields)
		return err
	}
	core.Log(ctx, c.Logger, core.LevelDebug, "notification mail sent", fields)
	return nil
}

// ValidateMessageContract enforces the Type() plus optional Validate()
// contract before a message reaches the bus.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("notify: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("notify: message type is required")
	}
	return nil
}

// Bus owns the command registry and the subscriptions notify installs on
// the dispatcher.
type Bus struct {
	registry      *command.Registry
	subscriptions []commanddispatcher.Subscription
}

func NewBus(registry *command.Registry) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

// Register subscribes cmd on the dispatcher and records it in the registry.
func (b *Bus) Register(cmd command.Commander[SendNotification], runnerOpts ...runner.Option) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("notify: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("notify: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := b.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	b.subscriptions = append(b.subscriptions, subscription)
	return nil
}

func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("notify: registry is not configured")
	}
	return b.registry.Initialize()
}

// Close removes every subscription installed through Register.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

// CommandNotifier delivers notifications by dispatching SendNotification on
// the command bus.
type CommandNotifier struct {
	Logger core.Logger
}

func (n CommandNotifier) Notify(ctx context.Context, notification core.Notification) error {
	msg := SendNotification{Notification: notification}
	if err := ValidateMessageContract(msg); err != nil {
		core.Log(ctx, n.Logger, core.LevelDebug, "notification skipped", map[string]any{
			"kind":     string(notification.Kind),
			"event_id": notification.EventID,
			"error":    err.Error(),
		})
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

var _ core.Notifier = CommandNotifier{}
var _ command.Commander[SendNotification] = (*MailCommand)(nil)

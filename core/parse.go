package core

import (
	"bytes"
	"encoding/json"
	"strings"
)

type eventEnvelope struct {
	ID        *string `json:"id"`
	Type      *string `json:"type"`
	EventType *string `json:"event_type"`
}

// ParseQueuedEvent infers the provider from the payload shape: Stripe events
// carry "type", PayPal events carry "event_type". Any other shape is
// malformed and must not be retried.
func ParseQueuedEvent(raw []byte) (QueuedEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return QueuedEvent{}, ErrMalformedEvent("empty payload")
	}
	if trimmed[0] != '{' {
		return QueuedEvent{}, ErrMalformedEvent("payload is not a json object")
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return QueuedEvent{}, ErrMalformedEvent(err.Error())
	}

	event := QueuedEvent{RawPayload: append(json.RawMessage(nil), trimmed...)}
	switch {
	case envelope.Type != nil:
		event.Provider = ProviderStripe
		event.EventType = strings.TrimSpace(*envelope.Type)
	case envelope.EventType != nil:
		event.Provider = ProviderPayPal
		event.EventType = strings.TrimSpace(*envelope.EventType)
	default:
		return QueuedEvent{}, ErrMalformedEvent("unknown payload shape")
	}
	if event.EventType == "" {
		return QueuedEvent{}, ErrMalformedEvent("event type is empty")
	}
	if envelope.ID == nil || strings.TrimSpace(*envelope.ID) == "" {
		return QueuedEvent{}, ErrMalformedEvent("event id is required")
	}
	event.EventID = strings.TrimSpace(*envelope.ID)
	return event, nil
}

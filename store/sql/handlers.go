package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func ledgerHandlers() repository.ModelHandlers[*ledgerRecord] {
	return repository.ModelHandlers[*ledgerRecord]{
		NewRecord: func() *ledgerRecord {
			return &ledgerRecord{}
		},
		GetID: func(record *ledgerRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *ledgerRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "event_id"
		},
		GetIdentifierValue: func(record *ledgerRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.EventID)
		},
	}
}

func subscriberHandlers() repository.ModelHandlers[*subscriberRecord] {
	return repository.ModelHandlers[*subscriberRecord]{
		NewRecord: func() *subscriberRecord {
			return &subscriberRecord{}
		},
		GetID: func(record *subscriberRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *subscriberRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *subscriberRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func cancellationHandlers() repository.ModelHandlers[*cancellationRecord] {
	return repository.ModelHandlers[*cancellationRecord]{
		NewRecord: func() *cancellationRecord {
			return &cancellationRecord{}
		},
		GetID: func(record *cancellationRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *cancellationRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *cancellationRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

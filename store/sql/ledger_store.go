package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultLedgerListLimit = 50

// A processed row is terminal: the conditional update leaves it untouched and
// reports zero affected rows.
const upsertLedgerSQL = `INSERT INTO billing_ledger
	(id, event_id, provider, event_type, status, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO UPDATE SET
	provider = excluded.provider,
	event_type = excluded.event_type,
	status = excluded.status,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at
WHERE billing_ledger.status <> ?`

type LedgerStore struct {
	db   *bun.DB
	repo repository.Repository[*ledgerRecord]
	now  func() time.Time
}

func NewLedgerStore(db *bun.DB) (*LedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*ledgerRecord](db, ledgerHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid ledger repository wiring: %w", err)
		}
	}
	return &LedgerStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *LedgerStore) GetStatus(ctx context.Context, eventID string) (core.LedgerStatus, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("sqlstore: ledger store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", fmt.Errorf("sqlstore: event id is required")
	}
	var status string
	err := s.db.NewSelect().
		Model((*ledgerRecord)(nil)).
		Column("status").
		Where("?TableAlias.event_id = ?", eventID).
		Limit(1).
		Scan(ctx, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerStatusAbsent, nil
		}
		return "", err
	}
	return core.LedgerStatus(status), nil
}

func (s *LedgerStore) Record(ctx context.Context, entry core.LedgerEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return recordLedgerEntry(ctx, s.db, entry, s.now())
}

func (s *LedgerStore) Get(ctx context.Context, eventID string) (core.LedgerRecord, error) {
	if s == nil || s.db == nil {
		return core.LedgerRecord{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	record := &ledgerRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerRecord{}, core.ErrLedgerRecordNotFound(eventID)
		}
		return core.LedgerRecord{}, err
	}
	return record.toDomain(), nil
}

func (s *LedgerStore) List(ctx context.Context, filter core.LedgerFilter) ([]core.LedgerRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLedgerListLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}
	if provider := strings.TrimSpace(string(filter.Provider)); provider != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", provider))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.LedgerRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

type txLedger struct {
	db  bun.IDB
	now func() time.Time
}

func (l txLedger) Record(ctx context.Context, entry core.LedgerEntry) error {
	return recordLedgerEntry(ctx, l.db, entry, l.now())
}

func recordLedgerEntry(ctx context.Context, db bun.IDB, entry core.LedgerEntry, now time.Time) error {
	if err := validateLedgerEntry(entry); err != nil {
		return err
	}
	record := newLedgerRecord(entry, now)
	result, err := db.ExecContext(ctx, upsertLedgerSQL,
		uuid.NewString(),
		record.EventID,
		record.Provider,
		record.EventType,
		record.Status,
		record.Attempts,
		record.LastError,
		record.CreatedAt,
		record.UpdatedAt,
		string(core.LedgerStatusProcessed),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 && entry.Status == core.LedgerStatusProcessed {
		return core.ErrAlreadyProcessed(record.EventID)
	}
	return nil
}

func validateLedgerEntry(entry core.LedgerEntry) error {
	if strings.TrimSpace(entry.EventID) == "" {
		return fmt.Errorf("sqlstore: ledger entry requires an event id")
	}
	if !entry.Provider.Valid() {
		return core.ErrUnknownProvider(string(entry.Provider))
	}
	switch entry.Status {
	case core.LedgerStatusProcessed, core.LedgerStatusFailed:
		return nil
	default:
		return fmt.Errorf("sqlstore: ledger status %q cannot be recorded", entry.Status)
	}
}

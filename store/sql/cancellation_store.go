package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const defaultClaimBatch = 25

// An enqueued row already has a job in flight and keeps its schedule.
const upsertCancellationSQL = `INSERT INTO billing_scheduled_cancellations
	(id, provider, subscription_id, subscriber_id, run_at, status, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
ON CONFLICT (provider, subscription_id) DO UPDATE SET
	subscriber_id = excluded.subscriber_id,
	run_at = excluded.run_at,
	status = excluded.status,
	attempts = 0,
	last_error = '',
	updated_at = excluded.updated_at
WHERE billing_scheduled_cancellations.status <> ?`

type cancellationQueries struct {
	db  bun.IDB
	now func() time.Time
}

// CancellationStore persists scheduled provider cancellations and hands due
// rows to the relay.
type CancellationStore struct {
	*cancellationQueries
	root *bun.DB
	repo repository.Repository[*cancellationRecord]
}

func NewCancellationStore(db *bun.DB) (*CancellationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*cancellationRecord](db, cancellationHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid cancellation repository wiring: %w", err)
		}
	}
	return &CancellationStore{
		cancellationQueries: newCancellationQueries(db, nil),
		root:                db,
		repo:                repo,
	}, nil
}

func newCancellationQueries(db bun.IDB, now func() time.Time) *cancellationQueries {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &cancellationQueries{db: db, now: now}
}

func (q *cancellationQueries) Schedule(ctx context.Context, in core.ScheduledCancellation) (core.ScheduledCancellation, error) {
	if !in.Provider.Valid() {
		return core.ScheduledCancellation{}, core.ErrUnknownProvider(string(in.Provider))
	}
	subscriptionID := strings.TrimSpace(in.SubscriptionID)
	if subscriptionID == "" {
		return core.ScheduledCancellation{}, fmt.Errorf("sqlstore: cancellation subscription id is required")
	}
	if in.RunAt.IsZero() {
		return core.ScheduledCancellation{}, fmt.Errorf("sqlstore: cancellation run_at is required")
	}
	var subscriberID any
	if value := optionalString(in.SubscriberID); value != nil {
		subscriberID = *value
	}
	now := q.now()
	if _, err := q.db.ExecContext(ctx, upsertCancellationSQL,
		uuid.NewString(),
		string(in.Provider),
		subscriptionID,
		subscriberID,
		in.RunAt.UTC(),
		string(core.CancellationStatusPending),
		now,
		now,
		string(core.CancellationStatusEnqueued),
	); err != nil {
		return core.ScheduledCancellation{}, err
	}
	return q.find(ctx, in.Provider, subscriptionID)
}

// Revoke stops a cancellation that has not run yet. It reports whether a row
// changed.
func (q *cancellationQueries) Revoke(ctx context.Context, provider core.Provider, subscriptionID string) (bool, error) {
	result, err := q.db.NewUpdate().
		Model((*cancellationRecord)(nil)).
		Set("status = ?", string(core.CancellationStatusRevoked)).
		Set("updated_at = ?", q.now()).
		Where("provider = ?", string(provider)).
		Where("subscription_id = ?", strings.TrimSpace(subscriptionID)).
		Where("status IN (?)", bun.In([]string{
			string(core.CancellationStatusPending),
			string(core.CancellationStatusEnqueued),
		})).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (q *cancellationQueries) find(ctx context.Context, provider core.Provider, subscriptionID string) (core.ScheduledCancellation, error) {
	record := &cancellationRecord{}
	err := q.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", string(provider)).
		Where("?TableAlias.subscription_id = ?", strings.TrimSpace(subscriptionID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ScheduledCancellation{}, cancellationNotFound("subscription_id", subscriptionID)
		}
		return core.ScheduledCancellation{}, err
	}
	return record.toDomain(), nil
}

func (s *CancellationStore) Find(ctx context.Context, provider core.Provider, subscriptionID string) (core.ScheduledCancellation, error) {
	if s == nil || s.cancellationQueries == nil {
		return core.ScheduledCancellation{}, fmt.Errorf("sqlstore: cancellation store is not configured")
	}
	return s.find(ctx, provider, subscriptionID)
}

func (s *CancellationStore) Get(ctx context.Context, id string) (core.ScheduledCancellation, error) {
	if s == nil || s.cancellationQueries == nil {
		return core.ScheduledCancellation{}, fmt.Errorf("sqlstore: cancellation store is not configured")
	}
	record := &cancellationRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ScheduledCancellation{}, cancellationNotFound("id", id)
		}
		return core.ScheduledCancellation{}, err
	}
	return record.toDomain(), nil
}

func (s *CancellationStore) List(ctx context.Context, status core.CancellationStatus, limit int) ([]core.ScheduledCancellation, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: cancellation store is not configured")
	}
	if limit <= 0 {
		limit = defaultClaimBatch
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("run_at ASC"),
		repository.SelectPaginate(limit, 0),
	}
	if value := strings.TrimSpace(string(status)); value != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", value))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.ScheduledCancellation, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ClaimDue moves up to limit pending rows whose run_at has passed to enqueued
// and returns them. Concurrent claimers never receive the same row.
func (s *CancellationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]core.ScheduledCancellation, error) {
	if s == nil || s.root == nil {
		return nil, fmt.Errorf("sqlstore: cancellation store is not configured")
	}
	if limit <= 0 {
		limit = defaultClaimBatch
	}
	claimed := make([]core.ScheduledCancellation, 0, limit)
	err := s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		records := make([]*cancellationRecord, 0, limit)
		query := tx.NewSelect().
			Model(&records).
			Where("?TableAlias.status = ?", string(core.CancellationStatusPending)).
			Where("?TableAlias.run_at <= ?", now.UTC()).
			OrderExpr("?TableAlias.run_at ASC").
			Limit(limit)
		if tx.Dialect().Name() == dialect.PG {
			query = query.For("UPDATE SKIP LOCKED")
		}
		if err := query.Scan(ctx); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		updatedAt := s.now()
		if _, err := tx.NewUpdate().
			Model((*cancellationRecord)(nil)).
			Set("status = ?", string(core.CancellationStatusEnqueued)).
			Set("attempts = attempts + 1").
			Set("updated_at = ?", updatedAt).
			Where("id IN (?)", bun.In(ids)).
			Where("status = ?", string(core.CancellationStatusPending)).
			Exec(ctx); err != nil {
			return err
		}
		for _, record := range records {
			record.Status = string(core.CancellationStatusEnqueued)
			record.Attempts++
			record.UpdatedAt = updatedAt
			claimed = append(claimed, record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkPending hands an enqueued row back to the relay, for example after the
// job queue rejected it.
func (s *CancellationStore) MarkPending(ctx context.Context, id string, cause error) error {
	return s.transition(ctx, id, core.CancellationStatusPending, cause)
}

func (s *CancellationStore) MarkDone(ctx context.Context, id string) error {
	return s.transition(ctx, id, core.CancellationStatusDone, nil)
}

func (s *CancellationStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.transition(ctx, id, core.CancellationStatusFailed, cause)
}

func (s *CancellationStore) transition(ctx context.Context, id string, status core.CancellationStatus, cause error) error {
	if s == nil || s.cancellationQueries == nil {
		return fmt.Errorf("sqlstore: cancellation store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: cancellation id is required")
	}
	lastError := ""
	if cause != nil {
		lastError = truncateError(cause.Error())
	}
	result, err := s.db.NewUpdate().
		Model((*cancellationRecord)(nil)).
		Set("status = ?", string(status)).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("status = ?", string(core.CancellationStatusEnqueued)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: cancellation %q is not enqueued", id)
	}
	return nil
}

func cancellationNotFound(field string, value string) error {
	return goerrors.New(
		fmt.Sprintf("sqlstore: scheduled cancellation not found for %s %q", field, value),
		goerrors.CategoryNotFound,
	).WithCode(404).WithTextCode("CANCELLATION_NOT_FOUND")
}

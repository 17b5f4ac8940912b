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
	"github.com/uptrace/bun/dialect"
)

// subscriberQueries holds every subscriber mutation a handler may run. It is
// bound to either the root db or an open transaction.
type subscriberQueries struct {
	db  bun.IDB
	now func() time.Time
}

type SubscriberStore struct {
	*subscriberQueries
	repo repository.Repository[*subscriberRecord]
}

func NewSubscriberStore(db *bun.DB) (*SubscriberStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*subscriberRecord](db, subscriberHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscriber repository wiring: %w", err)
		}
	}
	return &SubscriberStore{
		subscriberQueries: newSubscriberQueries(db, nil),
		repo:              repo,
	}, nil
}

func newSubscriberQueries(db bun.IDB, now func() time.Time) *subscriberQueries {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &subscriberQueries{db: db, now: now}
}

func (s *SubscriberStore) Create(ctx context.Context, in core.Subscriber) (core.Subscriber, error) {
	if s == nil || s.subscriberQueries == nil {
		return core.Subscriber{}, fmt.Errorf("sqlstore: subscriber store is not configured")
	}
	if strings.TrimSpace(in.Email) == "" {
		return core.Subscriber{}, fmt.Errorf("sqlstore: subscriber email is required")
	}
	record := newSubscriberRecord(in, s.now())
	record.ID = strings.TrimSpace(in.ID)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Subscriber{}, err
	}
	return record.toDomain(), nil
}

func (s *SubscriberStore) Get(ctx context.Context, id string) (core.Subscriber, error) {
	if s == nil || s.repo == nil {
		return core.Subscriber{}, fmt.Errorf("sqlstore: subscriber store is not configured")
	}
	id = strings.TrimSpace(id)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Subscriber{}, err
	}
	if len(records) == 0 {
		return core.Subscriber{}, core.ErrSubscriberNotFound("", "id", id)
	}
	return records[0].toDomain(), nil
}

func (q *subscriberQueries) FindByCustomerID(ctx context.Context, provider core.Provider, customerID string) (core.Subscriber, error) {
	customerID = strings.TrimSpace(customerID)
	if provider != core.ProviderStripe || customerID == "" {
		return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "customer_id", customerID)
	}
	subscriber, err := q.findOne(ctx, "stripe_customer_id", customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "customer_id", customerID)
		}
		return core.Subscriber{}, err
	}
	return subscriber, nil
}

func (q *subscriberQueries) FindBySubscriptionID(ctx context.Context, provider core.Provider, subscriptionID string) (core.Subscriber, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	column, err := subscriptionColumn(provider)
	if err != nil {
		return core.Subscriber{}, err
	}
	if subscriptionID == "" {
		return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "subscription_id", subscriptionID)
	}
	subscriber, err := q.findOne(ctx, column, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Subscriber{}, core.ErrSubscriberNotFound(provider, "subscription_id", subscriptionID)
		}
		return core.Subscriber{}, err
	}
	return subscriber, nil
}

func (q *subscriberQueries) SetActive(ctx context.Context, subscriberID string, active bool) error {
	return q.update(ctx, subscriberID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		return query.Set("active = ?", active)
	})
}

func (q *subscriberQueries) SetSubscriptionID(ctx context.Context, subscriberID string, provider core.Provider, subscriptionID string) error {
	column, err := subscriptionColumn(provider)
	if err != nil {
		return err
	}
	return q.update(ctx, subscriberID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		return query.Set("? = ?", bun.Ident(column), strings.TrimSpace(subscriptionID))
	})
}

func (q *subscriberQueries) IncrementFailedPayments(ctx context.Context, subscriberID string) (int, error) {
	if err := q.update(ctx, subscriberID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		return query.Set("failed_payments = failed_payments + 1")
	}); err != nil {
		return 0, err
	}
	var count int
	if err := q.db.NewSelect().
		Model((*subscriberRecord)(nil)).
		Column("failed_payments").
		Where("?TableAlias.id = ?", strings.TrimSpace(subscriberID)).
		Scan(ctx, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *subscriberQueries) ResetFailedPayments(ctx context.Context, subscriberID string) error {
	return q.update(ctx, subscriberID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		return query.Set("failed_payments = 0")
	})
}

func (q *subscriberQueries) SetNextBillingAt(ctx context.Context, subscriberID string, at *time.Time) error {
	return q.update(ctx, subscriberID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		if at == nil {
			return query.Set("next_billing_at = NULL")
		}
		return query.Set("next_billing_at = ?", at.UTC())
	})
}

func (q *subscriberQueries) findOne(ctx context.Context, column string, value string) (core.Subscriber, error) {
	record := &subscriberRecord{}
	query := q.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		OrderExpr("?TableAlias.updated_at DESC").
		Limit(1)
	if q.db.Dialect().Name() == dialect.PG {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		return core.Subscriber{}, err
	}
	return record.toDomain(), nil
}

func (q *subscriberQueries) update(ctx context.Context, subscriberID string, apply func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return fmt.Errorf("sqlstore: subscriber id is required")
	}
	query := q.db.NewUpdate().
		Model((*subscriberRecord)(nil)).
		Set("updated_at = ?", q.now()).
		Where("id = ?", subscriberID)
	result, err := apply(query).Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrSubscriberNotFound("", "id", subscriberID)
	}
	return nil
}

func subscriptionColumn(provider core.Provider) (string, error) {
	switch provider {
	case core.ProviderStripe:
		return "stripe_subscription_id", nil
	case core.ProviderPayPal:
		return "paypal_subscription_id", nil
	default:
		return "", core.ErrUnknownProvider(string(provider))
	}
}

package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/goliatone/go-billing-events/core"
	billingmigrations "github.com/goliatone/go-billing-events/migrations"
	sqlstore "github.com/goliatone/go-billing-events/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-billing-events-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"billing_ledger", "billing_subscribers", "billing_scheduled_cancellations"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestLedgerStore_RecordAndStatusTransitions(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	ledger := factory.LedgerStore()

	status, err := ledger.GetStatus(ctx, "evt_1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != core.LedgerStatusAbsent {
		t.Fatalf("expected absent status, got %q", status)
	}

	failed := core.LedgerEntry{EventID: "evt_1", Provider: core.ProviderStripe, EventType: "invoice.paid", Status: core.LedgerStatusFailed, Attempts: 3, LastError: "boom"}
	if err := ledger.Record(ctx, failed); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if status, _ := ledger.GetStatus(ctx, "evt_1"); status != core.LedgerStatusFailed {
		t.Fatalf("expected failed status, got %q", status)
	}

	processed := failed
	processed.Status = core.LedgerStatusProcessed
	processed.Attempts = 1
	processed.LastError = ""
	if err := ledger.Record(ctx, processed); err != nil {
		t.Fatalf("record processed over failed: %v", err)
	}
	record, err := ledger.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != core.LedgerStatusProcessed || record.Attempts != 1 || record.LastError != "" {
		t.Fatalf("expected processed record to replace failed row, got %+v", record)
	}

	if err := ledger.Record(ctx, processed); !core.IsAlreadyProcessed(err) {
		t.Fatalf("expected already processed on duplicate write, got %v", err)
	}
	if err := ledger.Record(ctx, failed); err != nil {
		t.Fatalf("expected failed write over processed row to be a no-op, got %v", err)
	}
	if status, _ := ledger.GetStatus(ctx, "evt_1"); status != core.LedgerStatusProcessed {
		t.Fatalf("expected processed status to stay terminal, got %q", status)
	}
}

func TestLedgerStore_RejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	ledger := newFactory(t).LedgerStore()

	if err := ledger.Record(ctx, core.LedgerEntry{Provider: core.ProviderStripe, Status: core.LedgerStatusProcessed}); err == nil {
		t.Fatalf("expected error for missing event id")
	}
	if err := ledger.Record(ctx, core.LedgerEntry{EventID: "evt_x", Provider: "square", Status: core.LedgerStatusProcessed}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if err := ledger.Record(ctx, core.LedgerEntry{EventID: "evt_x", Provider: core.ProviderStripe, Status: core.LedgerStatusAbsent}); err == nil {
		t.Fatalf("expected error for absent status")
	}
}

func TestLedgerStore_GetMissingAndList(t *testing.T) {
	ctx := context.Background()
	ledger := newFactory(t).LedgerStore()

	if _, err := ledger.Get(ctx, "evt_missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	entries := []core.LedgerEntry{
		{EventID: "evt_a", Provider: core.ProviderStripe, EventType: "invoice.paid", Status: core.LedgerStatusProcessed, Attempts: 1},
		{EventID: "evt_b", Provider: core.ProviderPayPal, EventType: "PAYMENT.SALE.COMPLETED", Status: core.LedgerStatusFailed, Attempts: 3, LastError: "timeout"},
		{EventID: "evt_c", Provider: core.ProviderStripe, EventType: "invoice.payment_failed", Status: core.LedgerStatusFailed, Attempts: 3, LastError: "timeout"},
	}
	for _, entry := range entries {
		if err := ledger.Record(ctx, entry); err != nil {
			t.Fatalf("record %s: %v", entry.EventID, err)
		}
	}

	failed, err := ledger.List(ctx, core.LedgerFilter{Status: core.LedgerStatusFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed rows, got %d", len(failed))
	}

	stripeFailed, err := ledger.List(ctx, core.LedgerFilter{Status: core.LedgerStatusFailed, Provider: core.ProviderStripe})
	if err != nil {
		t.Fatalf("list stripe failed: %v", err)
	}
	if len(stripeFailed) != 1 || stripeFailed[0].EventID != "evt_c" {
		t.Fatalf("expected evt_c only, got %+v", stripeFailed)
	}

	limited, err := ledger.List(ctx, core.LedgerFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to be honored, got %d", len(limited))
	}
}

func TestSubscriberStore_LookupsAndMutations(t *testing.T) {
	ctx := context.Background()
	subscribers := newFactory(t).SubscriberStore()

	created, err := subscribers.Create(ctx, core.Subscriber{
		Email:                "ada@example.com",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PayPalSubscriptionID: "I-PP1",
	})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated subscriber id")
	}

	byCustomer, err := subscribers.FindByCustomerID(ctx, core.ProviderStripe, "cus_1")
	if err != nil || byCustomer.ID != created.ID {
		t.Fatalf("expected lookup by customer id, got %+v err=%v", byCustomer, err)
	}
	byPayPal, err := subscribers.FindBySubscriptionID(ctx, core.ProviderPayPal, "I-PP1")
	if err != nil || byPayPal.ID != created.ID {
		t.Fatalf("expected lookup by paypal subscription id, got %+v err=%v", byPayPal, err)
	}
	if _, err := subscribers.FindBySubscriptionID(ctx, core.ProviderStripe, "sub_missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown subscription, got %v", err)
	}
	if _, err := subscribers.FindByCustomerID(ctx, core.ProviderPayPal, "cus_1"); !core.IsNotFound(err) {
		t.Fatalf("expected paypal customer lookup to miss, got %v", err)
	}

	for want := 1; want <= 2; want++ {
		count, err := subscribers.IncrementFailedPayments(ctx, created.ID)
		if err != nil {
			t.Fatalf("increment failed payments: %v", err)
		}
		if count != want {
			t.Fatalf("expected failed payments %d, got %d", want, count)
		}
	}

	nextBilling := time.Date(2026, 11, 16, 0, 0, 0, 0, time.UTC)
	if err := subscribers.SetActive(ctx, created.ID, true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := subscribers.SetSubscriptionID(ctx, created.ID, core.ProviderStripe, "sub_2"); err != nil {
		t.Fatalf("set subscription id: %v", err)
	}
	if err := subscribers.SetNextBillingAt(ctx, created.ID, &nextBilling); err != nil {
		t.Fatalf("set next billing: %v", err)
	}
	if err := subscribers.ResetFailedPayments(ctx, created.ID); err != nil {
		t.Fatalf("reset failed payments: %v", err)
	}

	got, err := subscribers.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if !got.Active || got.StripeSubscriptionID != "sub_2" || got.FailedPayments != 0 {
		t.Fatalf("unexpected subscriber state: %+v", got)
	}
	if got.NextBillingAt == nil || !got.NextBillingAt.Equal(nextBilling) {
		t.Fatalf("expected next billing %v, got %v", nextBilling, got.NextBillingAt)
	}

	if err := subscribers.SetActive(ctx, "missing-id", true); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown subscriber, got %v", err)
	}
}

func TestUnitOfWork_RollsBackHandlerWritesOnError(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	subscriber, err := factory.SubscriberStore().Create(ctx, core.Subscriber{Email: "rollback@example.com", StripeCustomerID: "cus_rb"})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}

	handlerErr := errors.New("handler failed")
	err = factory.UnitOfWork().Do(ctx, func(ctx context.Context, tx core.Tx) error {
		if err := tx.Subscribers().SetActive(ctx, subscriber.ID, true); err != nil {
			return err
		}
		if err := tx.Ledger().Record(ctx, core.LedgerEntry{EventID: "evt_rb", Provider: core.ProviderStripe, Status: core.LedgerStatusProcessed, Attempts: 1}); err != nil {
			return err
		}
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}

	got, err := factory.SubscriberStore().Get(ctx, subscriber.ID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if got.Active {
		t.Fatalf("expected subscriber change rolled back")
	}
	if status, _ := factory.LedgerStore().GetStatus(ctx, "evt_rb"); status != core.LedgerStatusAbsent {
		t.Fatalf("expected ledger write rolled back, got %q", status)
	}
}

func TestUnitOfWork_LedgerRaceRollsBackSideEffects(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	subscriber, err := factory.SubscriberStore().Create(ctx, core.Subscriber{Email: "race@example.com"})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	entry := core.LedgerEntry{EventID: "evt_race", Provider: core.ProviderStripe, Status: core.LedgerStatusProcessed, Attempts: 1}
	if err := factory.LedgerStore().Record(ctx, entry); err != nil {
		t.Fatalf("seed processed row: %v", err)
	}

	err = factory.UnitOfWork().Do(ctx, func(ctx context.Context, tx core.Tx) error {
		if _, err := tx.Subscribers().IncrementFailedPayments(ctx, subscriber.ID); err != nil {
			return err
		}
		return tx.Ledger().Record(ctx, entry)
	})
	if !core.IsAlreadyProcessed(err) {
		t.Fatalf("expected already processed from transactional write, got %v", err)
	}
	got, _ := factory.SubscriberStore().Get(ctx, subscriber.ID)
	if got.FailedPayments != 0 {
		t.Fatalf("expected side effect rolled back, got %d failed payments", got.FailedPayments)
	}
}

func TestCancellationStore_ScheduleRevokeAndClaim(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	cancellations := factory.CancellationStore()
	subscriber, err := factory.SubscriberStore().Create(ctx, core.Subscriber{Email: "cancel@example.com", PayPalSubscriptionID: "I-CAN1"})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	first, err := cancellations.Schedule(ctx, core.ScheduledCancellation{
		Provider:       core.ProviderPayPal,
		SubscriptionID: "I-CAN1",
		SubscriberID:   subscriber.ID,
		RunAt:          now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if first.Status != core.CancellationStatusPending || first.SubscriberID != subscriber.ID {
		t.Fatalf("unexpected scheduled row: %+v", first)
	}

	rescheduled, err := cancellations.Schedule(ctx, core.ScheduledCancellation{
		Provider:       core.ProviderPayPal,
		SubscriptionID: "I-CAN1",
		SubscriberID:   subscriber.ID,
		RunAt:          now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if rescheduled.ID != first.ID || !rescheduled.RunAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected reschedule to update the same row, got %+v", rescheduled)
	}

	if _, err := cancellations.Schedule(ctx, core.ScheduledCancellation{
		Provider:       core.ProviderPayPal,
		SubscriptionID: "I-LATER",
		RunAt:          now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("schedule later: %v", err)
	}

	claimed, err := cancellations.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].SubscriptionID != "I-CAN1" {
		t.Fatalf("expected only the due cancellation, got %+v", claimed)
	}
	if claimed[0].Status != core.CancellationStatusEnqueued || claimed[0].Attempts != 1 {
		t.Fatalf("expected enqueued claim with one attempt, got %+v", claimed[0])
	}

	again, err := cancellations.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected claimed rows to stay claimed, got %+v", again)
	}

	if err := cancellations.MarkDone(ctx, claimed[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	done, err := cancellations.Get(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != core.CancellationStatusDone {
		t.Fatalf("expected done status, got %q", done.Status)
	}

	revoked, err := cancellations.Revoke(ctx, core.ProviderPayPal, "I-LATER")
	if err != nil || !revoked {
		t.Fatalf("expected revoke to change the pending row, revoked=%v err=%v", revoked, err)
	}
	revoked, err = cancellations.Revoke(ctx, core.ProviderPayPal, "I-LATER")
	if err != nil || revoked {
		t.Fatalf("expected second revoke to be a no-op, revoked=%v err=%v", revoked, err)
	}

	pending, err := cancellations.List(ctx, core.CancellationStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows, got %+v", pending)
	}
}

func TestCancellationStore_MarkPendingReturnsRowToRelay(t *testing.T) {
	ctx := context.Background()
	cancellations := newFactory(t).CancellationStore()
	now := time.Now().UTC()

	if _, err := cancellations.Schedule(ctx, core.ScheduledCancellation{Provider: core.ProviderStripe, SubscriptionID: "sub_retry", RunAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	claimed, err := cancellations.ClaimDue(ctx, now, 5)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claim, got %+v err=%v", claimed, err)
	}
	if err := cancellations.MarkPending(ctx, claimed[0].ID, errors.New("queue down")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	reclaimed, err := cancellations.ClaimDue(ctx, now, 5)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("expected row to be claimable again, got %+v err=%v", reclaimed, err)
	}
	if reclaimed[0].Attempts != 2 {
		t.Fatalf("expected attempts to accumulate, got %d", reclaimed[0].Attempts)
	}
	if err := cancellations.MarkDone(ctx, "unknown-id"); err == nil {
		t.Fatalf("expected error for unknown cancellation")
	}
}

func TestCancellationStore_ScheduleInsideUnitOfWork(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)

	err := factory.UnitOfWork().Do(ctx, func(ctx context.Context, tx core.Tx) error {
		_, err := tx.Cancellations().Schedule(ctx, core.ScheduledCancellation{
			Provider:       core.ProviderPayPal,
			SubscriptionID: "I-TX",
			RunAt:          time.Now().UTC().Add(time.Hour),
		})
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	found, err := factory.CancellationStore().Find(ctx, core.ProviderPayPal, "I-TX")
	if err != nil || found.Status != core.CancellationStatusPending {
		t.Fatalf("expected committed pending row, got %+v err=%v", found, err)
	}
}

func TestRepositoryFactory_BuildStoresResolvesClient(t *testing.T) {
	if err := sqlstore.NewRepositoryFactory().BuildStores(nil); err == nil {
		t.Fatalf("expected nil client to be rejected")
	}
	if err := sqlstore.NewRepositoryFactory().BuildStores("postgres://"); err == nil {
		t.Fatalf("expected unsupported client type to be rejected")
	}

	factory := newFactory(t)
	if factory.DB() == nil || factory.LedgerStore() == nil || factory.SubscriberStore() == nil ||
		factory.CancellationStore() == nil || factory.UnitOfWork() == nil {
		t.Fatalf("expected every store built from the persistence client")
	}
	ledger := factory.LedgerStore()
	if err := factory.BuildStores(factory.DB()); err != nil || factory.LedgerStore() != ledger {
		t.Fatalf("expected rebuild to keep existing stores, err=%v", err)
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:billing-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = billingmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != billingmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, billingmigrations.WithValidationTargets(billingmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-billing-events/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const ledgerStatusCacheKeyPrefix = "go-billing-events::ledger_status::v1"

// CachedLedgerStore fronts a ledger store with a read-through status cache.
// Only the terminal processed status is ever cached; absent and failed reads
// always reach the base store.
type CachedLedgerStore struct {
	base  core.LedgerStore
	cache repositorycache.CacheService
}

func NewCachedLedgerStore(base core.LedgerStore, cacheService repositorycache.CacheService) (*CachedLedgerStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base ledger store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: ledger cache service is required")
	}
	return &CachedLedgerStore{base: base, cache: cacheService}, nil
}

// LedgerStatusCacheKey returns go-billing-events::ledger_status::v1::<event_id>
// with the event id URL-path escaped.
func LedgerStatusCacheKey(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", fmt.Errorf("sqlstore: event id is required")
	}
	return ledgerStatusCacheKeyPrefix + "::" + url.PathEscape(eventID), nil
}

type uncachedStatus struct {
	status core.LedgerStatus
}

func (u uncachedStatus) Error() string {
	return "sqlstore: ledger status " + string(u.status) + " is not cacheable"
}

func (s *CachedLedgerStore) GetStatus(ctx context.Context, eventID string) (core.LedgerStatus, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return "", fmt.Errorf("sqlstore: cached ledger store is not configured")
	}
	cacheKey, err := LedgerStatusCacheKey(eventID)
	if err != nil {
		return "", err
	}
	status, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.LedgerStatus, error) {
		fetched, fetchErr := s.base.GetStatus(ctx, eventID)
		if fetchErr != nil {
			return "", fetchErr
		}
		if fetched != core.LedgerStatusProcessed {
			return "", uncachedStatus{status: fetched}
		}
		return fetched, nil
	})
	if err != nil {
		var pending uncachedStatus
		if errors.As(err, &pending) {
			return pending.status, nil
		}
		return "", err
	}
	return status, nil
}

func (s *CachedLedgerStore) Record(ctx context.Context, entry core.LedgerEntry) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached ledger store is not configured")
	}
	if err := s.base.Record(ctx, entry); err != nil {
		return err
	}
	return s.Invalidate(ctx, entry.EventID)
}

// Invalidate drops the cached status for eventID. Transactional writers call
// it after commit.
func (s *CachedLedgerStore) Invalidate(ctx context.Context, eventID string) error {
	cacheKey, err := LedgerStatusCacheKey(eventID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func (s *CachedLedgerStore) Get(ctx context.Context, eventID string) (core.LedgerRecord, error) {
	if s == nil || s.base == nil {
		return core.LedgerRecord{}, fmt.Errorf("sqlstore: cached ledger store is not configured")
	}
	return s.base.Get(ctx, eventID)
}

func (s *CachedLedgerStore) List(ctx context.Context, filter core.LedgerFilter) ([]core.LedgerRecord, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached ledger store is not configured")
	}
	return s.base.List(ctx, filter)
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

// memoryLedger mirrors the SQL ledger rules: processed is terminal and a
// failed row may later become processed.
type memoryLedger struct {
	mu       sync.Mutex
	rows     map[string]core.LedgerEntry
	writes   []core.LedgerEntry
	statusFn func(eventID string) error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{rows: map[string]core.LedgerEntry{}}
}

func (l *memoryLedger) GetStatus(_ context.Context, eventID string) (core.LedgerStatus, error) {
	if l.statusFn != nil {
		if err := l.statusFn(eventID); err != nil {
			return "", err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[eventID]
	if !ok {
		return core.LedgerStatusAbsent, nil
	}
	return row.Status, nil
}

func (l *memoryLedger) Record(_ context.Context, entry core.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(entry)
}

func (l *memoryLedger) recordLocked(entry core.LedgerEntry) error {
	existing, ok := l.rows[entry.EventID]
	if ok && existing.Status == core.LedgerStatusProcessed {
		if entry.Status == core.LedgerStatusProcessed {
			return core.ErrAlreadyProcessed(entry.EventID)
		}
		return nil
	}
	l.rows[entry.EventID] = entry
	l.writes = append(l.writes, entry)
	return nil
}

func (l *memoryLedger) entry(eventID string) (core.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[eventID]
	return row, ok
}

func (l *memoryLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

// memoryWork stages ledger writes and applies them only when fn succeeds.
type memoryWork struct {
	ledger *memoryLedger
}

func (w memoryWork) Do(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	tx := &stagedTx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	w.ledger.mu.Lock()
	defer w.ledger.mu.Unlock()
	for _, entry := range tx.entries {
		if err := w.ledger.recordLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

type stagedTx struct {
	entries []core.LedgerEntry
}

func (t *stagedTx) Subscribers() core.SubscriberStore         { return nil }
func (t *stagedTx) Cancellations() core.CancellationScheduler { return nil }
func (t *stagedTx) Ledger() core.LedgerWriter                 { return t }

func (t *stagedTx) Record(_ context.Context, entry core.LedgerEntry) error {
	t.entries = append(t.entries, entry)
	return nil
}

type dispatchFunc func(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error)

func (f dispatchFunc) Dispatch(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	return f(ctx, tx, event)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []core.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, notification core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type recordingQueue struct {
	mu       sync.Mutex
	enqueued [][]byte
}

func (q *recordingQueue) Enqueue(_ context.Context, raw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, raw)
	return nil
}

func (q *recordingQueue) Dequeue(context.Context, time.Duration) ([]byte, bool, error) {
	return nil, false, errors.New("not used")
}

func (q *recordingQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.enqueued)), nil
}

func stripePayload(id string, eventType string) []byte {
	return []byte(`{"id":"` + id + `","object":"event","type":"` + eventType + `","data":{"object":{}}}`)
}

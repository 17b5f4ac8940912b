package inbound

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultDuplicateWindow     = 2 * time.Second
	DefaultDuplicateMaxEntries = 4096
)

// DuplicateGuard coalesces repeated deliveries of one event that arrive
// within Window of each other. The ledger still decides idempotency; the
// guard only keeps provider retry bursts off the queue.
type DuplicateGuard struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewDuplicateGuard(window time.Duration, maxEntries int) *DuplicateGuard {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDuplicateMaxEntries
	}
	return &DuplicateGuard{
		window:     window,
		maxEntries: maxEntries,
		now:        func() time.Time { return time.Now().UTC() },
		entries:    map[string]time.Time{},
	}
}

// Allow reports whether key was not seen within the window and records it.
func (g *DuplicateGuard) Allow(key string) bool {
	if g == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()

	lastSeen, exists := g.entries[key]
	g.entries[key] = now
	g.cleanup(now)
	if !exists {
		return true
	}
	return now.Sub(lastSeen) >= g.window
}

// Forget drops key so the next delivery is allowed, for example after the
// queue rejected it.
func (g *DuplicateGuard) Forget(key string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.entries, strings.TrimSpace(key))
	g.mu.Unlock()
}

func (g *DuplicateGuard) cleanup(now time.Time) {
	if len(g.entries) <= g.maxEntries {
		for key, seenAt := range g.entries {
			if now.Sub(seenAt) > g.window*4 {
				delete(g.entries, key)
			}
		}
		return
	}
	for key, seenAt := range g.entries {
		if now.Sub(seenAt) > g.window {
			delete(g.entries, key)
		}
		if len(g.entries) <= g.maxEntries {
			break
		}
	}
}

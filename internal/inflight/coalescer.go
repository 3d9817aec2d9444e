package inflight

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lumina/internal/domain"
)

const (
	// DefaultWaitTimeout is the bounded wait for non-leader callers
	// before they receive an "in-progress" response (spec §4.3).
	DefaultWaitTimeout = 18 * time.Second
	// TwitterWaitTimeout is longer to accommodate Twitter's heavier
	// stage ladder and optional preflight check.
	TwitterWaitTimeout = 40 * time.Second

	// cleanupDelay is how long a completed entry remains reachable
	// before it's removed, so waiters racing completion still read a
	// stable result field.
	cleanupDelay = 3 * time.Second
)

// Coalescer deduplicates concurrent probes keyed by URL.
type Coalescer struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	staleAfter time.Duration // 0 disables stale force-abort
	now        func() time.Time
}

func New(staleAfter time.Duration) *Coalescer {
	return &Coalescer{
		entries:    make(map[string]*Entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Acquire returns the entry for url. If none exists (or the existing one
// is stale), the caller becomes the leader and must eventually call
// RunLeader. Otherwise the caller is a waiter on the
// existing leader's entry.
func (c *Coalescer) Acquire(url string) (entry *Entry, isLeader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[url]; ok {
		if c.staleAfter > 0 && c.now().Sub(existing.StartedAt) > c.staleAfter {
			existing.Publish(domain.ProbeResult{}, context.DeadlineExceeded, 504)
			leader := newEntry(url, c.now())
			c.entries[url] = leader
			return leader, true
		}
		return existing, false
	}

	leader := newEntry(url, c.now())
	c.entries[url] = leader
	return leader, true
}

// RunLeader executes probeFn under an errgroup-managed context, publishes
// its outcome to entry, and schedules the entry's removal a few seconds
// later so trailing waiters still observe a stable result.
func (c *Coalescer) RunLeader(ctx context.Context, entry *Entry, probeFn func(ctx context.Context) (domain.ProbeResult, int, error)) (domain.ProbeResult, int, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		result domain.ProbeResult
		status int
		runErr error
	)
	g.Go(func() error {
		result, status, runErr = probeFn(gctx)
		return runErr
	})
	_ = g.Wait() // runErr already captured; errgroup only short-circuits concurrent siblings

	entry.Publish(result, runErr, status)
	c.scheduleRemoval(entry.URL, entry)
	return result, status, runErr
}

func (c *Coalescer) scheduleRemoval(url string, entry *Entry) {
	time.AfterFunc(cleanupDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if current, ok := c.entries[url]; ok && current == entry {
			delete(c.entries, url)
		}
	})
}

// ForceCleanup immediately removes url's entry regardless of age. The
// stale-entry path in Acquire replaces the entry directly and does not
// call it.
func (c *Coalescer) ForceCleanup(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}

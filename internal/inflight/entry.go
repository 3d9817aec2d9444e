// Package inflight implements the Inflight Coalescer (C3): concurrent
// probes of the same URL are deduplicated so only one extractor process
// does the underlying work. Grounded on
// original_source/service/utils/cache.py's _InfoInflight
// (threading.Event-based) translated to a channel closed once, with the
// module-level dict+lock and delayed cleanup timer becoming Coalescer.
package inflight

import (
	"sync"
	"sync/atomic"
	"time"

	"lumina/internal/domain"
)

// Entry tracks one in-flight (or just-completed) probe for a single URL.
type Entry struct {
	URL       string
	StartedAt time.Time

	done    chan struct{}
	once    sync.Once
	waiters int32

	mu         sync.Mutex
	stage      string
	result     domain.ProbeResult
	err        error
	httpStatus int
}

func newEntry(url string, now time.Time) *Entry {
	return &Entry{
		URL:       url,
		StartedAt: now,
		done:      make(chan struct{}),
		stage:     string(domain.ProbeStagePrimary),
	}
}

// SetStage records the current probe stage for waiters that time out and
// want to report "in progress, currently at stage X".
func (e *Entry) SetStage(stage domain.ProbeStage) {
	e.mu.Lock()
	e.stage = string(stage)
	e.mu.Unlock()
}

// Stage returns the current stage label.
func (e *Entry) Stage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Publish records the final outcome and wakes every current and future
// waiter exactly once.
func (e *Entry) Publish(result domain.ProbeResult, err error, httpStatus int) {
	e.mu.Lock()
	e.result = result
	e.err = err
	e.httpStatus = httpStatus
	e.mu.Unlock()
	e.once.Do(func() { close(e.done) })
}

// addWaiter/dropWaiter track how many callers are currently waiting on
// this entry, surfaced for diagnostics and tests.
func (e *Entry) addWaiter() int32  { return atomic.AddInt32(&e.waiters, 1) }
func (e *Entry) dropWaiter() int32 { return atomic.AddInt32(&e.waiters, -1) }

// Waiters reports the current waiter count.
func (e *Entry) Waiters() int32 { return atomic.LoadInt32(&e.waiters) }

// Outcome is the result of waiting on an Entry.
type Outcome struct {
	Result     domain.ProbeResult
	Err        error
	HTTPStatus int
	Coalesced  bool
	TimedOut   bool
	Stage      string
}

// Wait blocks until the entry completes or timeout elapses, whichever
// comes first. coalesced is true whenever the caller did not start the
// probe itself (i.e. every call after the leader's own read).
func (e *Entry) Wait(timeout time.Duration, coalesced bool) Outcome {
	e.addWaiter()
	defer e.dropWaiter()

	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return Outcome{Result: e.result, Err: e.err, HTTPStatus: e.httpStatus, Coalesced: coalesced}
	case <-time.After(timeout):
		return Outcome{TimedOut: true, Stage: e.Stage(), Coalesced: coalesced}
	}
}

package infocache

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
)

// NegativeRecord is the failure bookkeeping surfaced on a cool-down hit.
type NegativeRecord struct {
	LastError string
	Count     int
	InsertedAt time.Time
}

// Negative tracks recent probe failures per URL with an escalating
// cool-down, backed by github.com/patrickmn/go-cache for the
// TTL/expiry bookkeeping (spec §4.2).
type Negative struct {
	mu sync.Mutex
	c  *gocache.Cache

	base              time.Duration
	escalated         time.Duration
	escalateThreshold int
}

func NewNegative(base, escalated time.Duration, escalateThreshold int) *Negative {
	return &Negative{
		c:                 gocache.New(escalated, escalated/2),
		base:              base,
		escalated:         escalated,
		escalateThreshold: escalateThreshold,
	}
}

// RecordFailure bumps the failure count for url and (re)sets its
// cool-down, jittered slightly via backoff's randomized-interval helper
// so that many clients hitting the same hot URL don't all retry in
// perfect lockstep.
func (n *Negative) RecordFailure(url string, errMsg string, now time.Time) NegativeRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := NegativeRecord{InsertedAt: now}
	if existing, ok := n.c.Get(url); ok {
		rec = existing.(NegativeRecord)
	}
	rec.Count++
	rec.LastError = errMsg
	rec.InsertedAt = now

	n.c.Set(url, rec, n.cooldownFor(rec.Count))
	return rec
}

// Check returns the current failure record and remaining cool-down for
// url, if one is active.
func (n *Negative) Check(url string) (NegativeRecord, time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v, expiration, ok := n.c.GetWithExpiration(url)
	if !ok {
		return NegativeRecord{}, 0, false
	}
	remaining := time.Until(expiration)
	if remaining < 0 {
		remaining = 0
	}
	return v.(NegativeRecord), remaining, true
}

// Clear removes the failure record for url, called on the first
// successful probe after prior failures (spec §4.2).
func (n *Negative) Clear(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.c.Delete(url)
}

func (n *Negative) cooldownFor(count int) time.Duration {
	base := n.base
	if count >= n.escalateThreshold {
		base = n.escalated
	}

	jitter := backoff.NewExponentialBackOff()
	jitter.InitialInterval = base
	jitter.RandomizationFactor = 0.1
	jitter.MaxElapsedTime = 0
	jitter.Reset()
	if d := jitter.NextBackOff(); d > 0 {
		return d
	}
	return base
}

// Package infocache implements the Info Cache (C2): a bounded positive
// LRU with TTL, plus a separate negative-failure map with escalating
// cool-down. Grounded on
// original_source/service/utils/cache.py's LRUCache (an OrderedDict the
// positive side mirrors with container/list) and
// livepeer-catalyst-api's use of github.com/patrickmn/go-cache for the
// negative side's TTL/janitor behavior.
package infocache

import (
	"container/list"
	"sync"
	"time"

	"lumina/internal/domain"
)

type positiveEntry struct {
	url       string
	result    domain.ProbeResult
	insertedAt time.Time
}

// Positive is a bounded, TTL-expiring LRU of probe results.
type Positive struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

func NewPositive(capacity int, ttl time.Duration) *Positive {
	return &Positive{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached result for url if present and unexpired,
// bumping its recency. Expired entries are dropped on access.
func (p *Positive) Get(url string) (domain.ProbeResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.items[url]
	if !ok {
		return domain.ProbeResult{}, false
	}
	entry := el.Value.(*positiveEntry)
	if p.now().Sub(entry.insertedAt) > p.ttl {
		p.order.Remove(el)
		delete(p.items, url)
		return domain.ProbeResult{}, false
	}
	p.order.MoveToFront(el)
	return entry.result, true
}

// Set inserts or replaces the cached result for url, evicting the least
// recently used entry if over capacity.
func (p *Positive) Set(url string, result domain.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.items[url]; ok {
		el.Value.(*positiveEntry).result = result
		el.Value.(*positiveEntry).insertedAt = p.now()
		p.order.MoveToFront(el)
		return
	}

	entry := &positiveEntry{url: url, result: result, insertedAt: p.now()}
	el := p.order.PushFront(entry)
	p.items[url] = el

	if p.capacity > 0 && p.order.Len() > p.capacity {
		oldest := p.order.Back()
		if oldest != nil {
			p.order.Remove(oldest)
			delete(p.items, oldest.Value.(*positiveEntry).url)
		}
	}
}

// ClearExpired evicts every currently-expired entry; useful for a
// periodic janitor, though Get already self-cleans on access.
func (p *Positive) ClearExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for el := p.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*positiveEntry)
		if p.now().Sub(entry.insertedAt) > p.ttl {
			p.order.Remove(el)
			delete(p.items, entry.url)
			removed++
		}
		el = prev
	}
	return removed
}

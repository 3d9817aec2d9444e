package infocache

import (
	"testing"
	"time"

	"lumina/internal/domain"
)

func TestPositiveGetSetAndEviction(t *testing.T) {
	p := NewPositive(2, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Set("a", domain.ProbeResult{Title: "A"})
	p.Set("b", domain.ProbeResult{Title: "B"})

	if r, ok := p.Get("a"); !ok || r.Title != "A" {
		t.Fatalf("expected hit for a, got %v %v", r, ok)
	}

	// inserting a third entry evicts the least-recently-used ("b", since
	// "a" was just bumped to front by the Get above).
	p.Set("c", domain.ProbeResult{Title: "C"})
	if _, ok := p.Get("b"); ok {
		t.Errorf("expected b to be evicted")
	}
	if _, ok := p.Get("a"); !ok {
		t.Errorf("expected a to survive eviction")
	}
	if _, ok := p.Get("c"); !ok {
		t.Errorf("expected c to be present")
	}
}

func TestPositiveExpiry(t *testing.T) {
	p := NewPositive(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Set("a", domain.ProbeResult{Title: "A"})
	now = now.Add(2 * time.Minute)

	if _, ok := p.Get("a"); ok {
		t.Errorf("expected expired entry to miss")
	}
}

func TestPositiveClearExpired(t *testing.T) {
	p := NewPositive(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Set("a", domain.ProbeResult{Title: "A"})
	p.Set("b", domain.ProbeResult{Title: "B"})
	now = now.Add(2 * time.Minute)
	p.Set("c", domain.ProbeResult{Title: "C"})

	removed := p.ClearExpired()
	if removed != 2 {
		t.Errorf("expected 2 expired entries removed, got %d", removed)
	}
	if _, ok := p.Get("c"); !ok {
		t.Errorf("expected fresh entry c to remain")
	}
}

func TestNegativeRecordFailureEscalates(t *testing.T) {
	n := NewNegative(time.Minute, 10*time.Minute, 3)
	now := time.Now()

	for i := 0; i < 2; i++ {
		n.RecordFailure("https://example.com", "boom", now)
	}
	_, remaining, ok := n.Check("https://example.com")
	if !ok {
		t.Fatal("expected an active cool-down after 2 failures")
	}
	if remaining > 2*time.Minute {
		t.Errorf("expected base cool-down order of magnitude, got %v", remaining)
	}

	n.RecordFailure("https://example.com", "boom again", now)
	_, remaining, ok = n.Check("https://example.com")
	if !ok {
		t.Fatal("expected an active cool-down after escalation")
	}
	if remaining <= time.Minute {
		t.Errorf("expected escalated cool-down to exceed base, got %v", remaining)
	}
}

func TestNegativeClear(t *testing.T) {
	n := NewNegative(time.Minute, 10*time.Minute, 3)
	n.RecordFailure("https://example.com", "boom", time.Now())
	n.Clear("https://example.com")
	if _, _, ok := n.Check("https://example.com"); ok {
		t.Errorf("expected cleared URL to have no cool-down")
	}
}

func TestNewWithConfigFallsBackOnInvalidValues(t *testing.T) {
	c := NewWithConfig(0, 0, 0, 0, 0)
	if c.Positive == nil || c.Negative == nil {
		t.Fatal("expected both maps to be constructed")
	}
}

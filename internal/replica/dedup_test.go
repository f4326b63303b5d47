package replica

import (
	"fmt"
	"testing"
)

func TestDedupObserve(t *testing.T) {
	cache := NewDedupCache(DefaultDedupCapacity, DefaultDedupEviction)
	if cache.Observe("e1") {
		t.Fatal("first observation must not be a duplicate")
	}
	if !cache.Observe("e1") {
		t.Fatal("second observation must be a duplicate")
	}
}

func TestDedupEvictsOldest(t *testing.T) {
	cache := NewDedupCache(DefaultDedupCapacity, DefaultDedupEviction)
	for i := 0; i < DefaultDedupCapacity; i++ {
		cache.Observe(fmt.Sprintf("e%d", i))
	}
	if cache.Len() != DefaultDedupCapacity {
		t.Fatalf("expected %d entries, got %d", DefaultDedupCapacity, cache.Len())
	}

	// One more insert evicts the oldest batch in arrival order.
	cache.Observe("overflow")
	want := DefaultDedupCapacity - DefaultDedupEviction + 1
	if cache.Len() != want {
		t.Fatalf("expected %d entries after eviction, got %d", want, cache.Len())
	}
	if cache.Observe("e0") {
		t.Fatal("e0 should have been evicted")
	}
	if !cache.Observe(fmt.Sprintf("e%d", DefaultDedupEviction)) {
		t.Fatalf("e%d should have survived eviction", DefaultDedupEviction)
	}
	if !cache.Observe("overflow") {
		t.Fatal("overflow should still be tracked")
	}
}

func TestDedupSmallCapacity(t *testing.T) {
	cache := NewDedupCache(3, 2)
	cache.Observe("a")
	cache.Observe("b")
	cache.Observe("c")
	cache.Observe("d")
	if !cache.Observe("d") {
		t.Fatal("d should still be tracked")
	}
	if cache.Observe("a") {
		t.Fatal("a should have been evicted")
	}
}

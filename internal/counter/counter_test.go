package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

func TestMemoryStoreIncrement(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("CountsWithinWindow", func(t *testing.T) {
		for i := int64(1); i <= 5; i++ {
			count, err := store.Increment(ctx, "velocity:u1", time.Hour)
			if err != nil {
				t.Fatalf("Increment failed: %v", err)
			}
			if count != i {
				t.Errorf("expected count %d, got %d", i, count)
			}
		}
	})

	t.Run("ExpiredWindowRestarts", func(t *testing.T) {
		if _, err := store.Increment(ctx, "velocity:u2", time.Millisecond); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)

		count, err := store.Increment(ctx, "velocity:u2", time.Hour)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected restarted count 1, got %d", count)
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		a, _ := store.Increment(ctx, "velocity:u3", time.Hour)
		b, _ := store.Increment(ctx, "velocity:u4", time.Hour)
		if a != 1 || b != 1 {
			t.Errorf("expected both counters at 1, got %d and %d", a, b)
		}
	})
}

func TestMemoryStoreIncrementBy(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	total, err := store.IncrementBy(ctx, "amount:u1", 150.50, time.Hour)
	if err != nil {
		t.Fatalf("IncrementBy failed: %v", err)
	}
	if total != 150.50 {
		t.Errorf("expected 150.50, got %.2f", total)
	}

	total, err = store.IncrementBy(ctx, "amount:u1", 49.50, time.Hour)
	if err != nil {
		t.Fatalf("IncrementBy failed: %v", err)
	}
	if total != 200 {
		t.Errorf("expected 200, got %.2f", total)
	}
}

func TestMemoryStoreMarkers(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("AbsentMarker", func(t *testing.T) {
		has, err := store.HasMarker(ctx, "topup:u1")
		if err != nil {
			t.Fatalf("HasMarker failed: %v", err)
		}
		if has {
			t.Error("expected no marker")
		}
	})

	t.Run("LiveMarker", func(t *testing.T) {
		if err := store.SetMarker(ctx, "topup:u1", time.Hour); err != nil {
			t.Fatalf("SetMarker failed: %v", err)
		}
		has, err := store.HasMarker(ctx, "topup:u1")
		if err != nil {
			t.Fatalf("HasMarker failed: %v", err)
		}
		if !has {
			t.Error("expected live marker")
		}
	})

	t.Run("ExpiredMarker", func(t *testing.T) {
		if err := store.SetMarker(ctx, "topup:u2", time.Millisecond); err != nil {
			t.Fatalf("SetMarker failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)

		has, err := store.HasMarker(ctx, "topup:u2")
		if err != nil {
			t.Fatalf("HasMarker failed: %v", err)
		}
		if has {
			t.Error("expected expired marker to be gone")
		}
	})
}

func TestMemoryStoreAppendWindow(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("GrowsWithinWindow", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			count, err := store.AppendWindow(ctx, "rapid:u1", fmt.Sprintf("tx-%d", i), time.Hour, 0)
			if err != nil {
				t.Fatalf("AppendWindow failed: %v", err)
			}
			if count != i {
				t.Errorf("expected count %d, got %d", i, count)
			}
		}
	})

	t.Run("PrunesOldEntries", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if _, err := store.AppendWindow(ctx, "rapid:u2", fmt.Sprintf("tx-%d", i), 10*time.Millisecond, 0); err != nil {
				t.Fatalf("AppendWindow failed: %v", err)
			}
		}
		time.Sleep(20 * time.Millisecond)

		count, err := store.AppendWindow(ctx, "rapid:u2", "tx-new", 10*time.Millisecond, 0)
		if err != nil {
			t.Fatalf("AppendWindow failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 after pruning, got %d", count)
		}
	})

	t.Run("CapsAtMax", func(t *testing.T) {
		var count int64
		var err error
		for i := 0; i < 10; i++ {
			count, err = store.AppendWindow(ctx, "small:u1", fmt.Sprintf("tx-%d", i), time.Hour, 5)
			if err != nil {
				t.Fatalf("AppendWindow failed: %v", err)
			}
		}
		if count != 5 {
			t.Errorf("expected capped count 5, got %d", count)
		}
	})
}

func TestMemoryStoreDistinct(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("CountsDistinctMembers", func(t *testing.T) {
		for _, member := range []string{"r1", "r2", "r2", "r3"} {
			if _, err := store.AddDistinct(ctx, "recipients:u1", member, time.Hour); err != nil {
				t.Fatalf("AddDistinct failed: %v", err)
			}
		}

		count, err := store.AddDistinct(ctx, "recipients:u1", "r1", time.Hour)
		if err != nil {
			t.Fatalf("AddDistinct failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 distinct members, got %d", count)
		}
	})

	t.Run("Observe", func(t *testing.T) {
		seen, err := store.Observe(ctx, "countries:u1", "MA", time.Hour)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if seen {
			t.Error("expected first observation to be unseen")
		}

		seen, err = store.Observe(ctx, "countries:u1", "MA", time.Hour)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if !seen {
			t.Error("expected second observation to be seen")
		}

		seen, _ = store.Observe(ctx, "countries:u1", "FR", time.Hour)
		if seen {
			t.Error("expected different member to be unseen")
		}
	})
}

func TestMemoryStoreBumpOccurrence(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("CrossesOnceAtThreshold", func(t *testing.T) {
		for i := 1; i <= 2; i++ {
			crossed, err := store.BumpOccurrence(ctx, "occ:u1", 3, time.Hour)
			if err != nil {
				t.Fatalf("BumpOccurrence failed: %v", err)
			}
			if crossed {
				t.Errorf("bump %d should not cross threshold 3", i)
			}
		}

		crossed, err := store.BumpOccurrence(ctx, "occ:u1", 3, time.Hour)
		if err != nil {
			t.Fatalf("BumpOccurrence failed: %v", err)
		}
		if !crossed {
			t.Error("expected third bump to cross threshold")
		}

		// Counter resets after crossing
		crossed, _ = store.BumpOccurrence(ctx, "occ:u1", 3, time.Hour)
		if crossed {
			t.Error("expected counter to reset after crossing")
		}
	})

	t.Run("ThresholdOneAlwaysCrosses", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			crossed, err := store.BumpOccurrence(ctx, "occ:u2", 1, time.Hour)
			if err != nil {
				t.Fatalf("BumpOccurrence failed: %v", err)
			}
			if !crossed {
				t.Errorf("bump %d with threshold 1 should cross", i)
			}
		}
	})

	t.Run("ConcurrentBumpsCrossExactlyOnce", func(t *testing.T) {
		const bumps = 10
		var wg sync.WaitGroup
		crossings := make(chan bool, bumps)

		for i := 0; i < bumps; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				crossed, err := store.BumpOccurrence(ctx, "occ:u3", bumps, time.Hour)
				if err != nil {
					t.Errorf("BumpOccurrence failed: %v", err)
					return
				}
				crossings <- crossed
			}()
		}
		wg.Wait()
		close(crossings)

		crossedCount := 0
		for crossed := range crossings {
			if crossed {
				crossedCount++
			}
		}
		if crossedCount != 1 {
			t.Errorf("expected exactly 1 crossing, got %d", crossedCount)
		}
	})
}

func TestFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, err := New(domain.CounterStoreConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer store.Close()

		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("expected *MemoryStore, got %T", store)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(domain.CounterStoreConfig{Type: "memcached"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

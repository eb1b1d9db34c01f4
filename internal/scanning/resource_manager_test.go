package scanning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestWeightedResourceManager_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		rm := NewWeightedResourceManager(5)
		ctx := context.Background()

		err := rm.Acquire(ctx, "host-1")
		if err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}

		if rm.GetActiveScans() != 1 {
			t.Errorf("Expected 1 active scan, got %d", rm.GetActiveScans())
		}

		rm.Release("host-1")
	})

	t.Run("resource exhaustion", func(t *testing.T) {
		rm := NewWeightedResourceManager(2)
		ctx := context.Background()

		err1 := rm.Acquire(ctx, "host-1")
		err2 := rm.Acquire(ctx, "host-2")
		if err1 != nil || err2 != nil {
			t.Fatalf("Expected successful acquisition, got errors: %v, %v", err1, err2)
		}

		// Third acquisition should time out
		ctx3, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		if err := rm.Acquire(ctx3, "host-3"); err == nil {
			t.Error("Expected timeout error, got success")
		}
		if rm.GetActiveScans() != 2 {
			t.Errorf("Expected failed acquisition to hold no slot, got %d active", rm.GetActiveScans())
		}

		rm.Release("host-1")
		rm.Release("host-2")
	})

	t.Run("duplicate id", func(t *testing.T) {
		rm := NewWeightedResourceManager(2)
		ctx := context.Background()

		if err := rm.Acquire(ctx, "host-1"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}
		if err := rm.Acquire(ctx, "host-1"); err == nil {
			t.Error("Expected duplicate acquisition to fail")
		}
		rm.Release("host-1")
	})

	t.Run("context cancellation", func(t *testing.T) {
		rm := NewWeightedResourceManager(1)

		if err := rm.Acquire(context.Background(), "blocking"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := rm.Acquire(ctx, "canceled"); err == nil {
			t.Error("Expected cancellation error, got success")
		}

		rm.Release("blocking")
	})

	t.Run("closed manager", func(t *testing.T) {
		rm := NewWeightedResourceManager(1)
		if err := rm.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if err := rm.Acquire(context.Background(), "late"); err == nil {
			t.Error("Expected acquisition on closed manager to fail")
		}
		if rm.IsHealthy() {
			t.Error("Closed manager should not be healthy")
		}
	})

	t.Run("invalid capacity", func(t *testing.T) {
		rm := NewWeightedResourceManager(0)
		if rm.Capacity() != 1 {
			t.Errorf("Expected capacity 1, got %d", rm.Capacity())
		}
	})
}

func TestWeightedResourceManager_Release(t *testing.T) {
	t.Run("proper release", func(t *testing.T) {
		rm := NewWeightedResourceManager(3)
		ctx := context.Background()

		ids := []string{"host-1", "host-2", "host-3"}
		for _, id := range ids {
			if err := rm.Acquire(ctx, id); err != nil {
				t.Fatalf("Failed to acquire resource for %s: %v", id, err)
			}
		}

		if rm.GetActiveScans() != 3 {
			t.Errorf("Expected 3 active scans, got %d", rm.GetActiveScans())
		}

		for _, id := range ids {
			rm.Release(id)
		}

		if rm.GetActiveScans() != 0 {
			t.Errorf("Expected 0 active scans after release, got %d", rm.GetActiveScans())
		}
		if rm.GetAvailableSlots() != 3 {
			t.Errorf("Expected 3 available slots, got %d", rm.GetAvailableSlots())
		}
	})

	t.Run("release unknown id", func(t *testing.T) {
		rm := NewWeightedResourceManager(1)
		rm.Release("unknown")
		rm.Release("unknown")

		// A spurious release must not create extra capacity.
		ctx := context.Background()
		if err := rm.Acquire(ctx, "host-1"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}

		ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := rm.Acquire(ctx2, "host-2"); err == nil {
			t.Error("Expected second acquisition to block")
		}
		rm.Release("host-1")
	})

	t.Run("release wakes waiter", func(t *testing.T) {
		rm := NewWeightedResourceManager(1)
		ctx := context.Background()

		if err := rm.Acquire(ctx, "first"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}

		done := make(chan error, 1)
		go func() {
			done <- rm.Acquire(ctx, "second")
		}()

		select {
		case <-done:
			t.Fatal("Expected acquisition to block while the slot is held")
		case <-time.After(50 * time.Millisecond):
		}

		rm.Release("first")

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Expected waiter to acquire, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Waiter was not woken by release")
		}
		rm.Release("second")
	})
}

func TestWeightedResourceManager_ConcurrentAccess(t *testing.T) {
	rm := NewWeightedResourceManager(10)
	ctx := context.Background()

	const numGoroutines = 50
	const scansPerGoroutine = 5

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*scansPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < scansPerGoroutine; j++ {
				id := fmt.Sprintf("worker-%d-host-%d", workerID, j)

				if err := rm.Acquire(ctx, id); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
				rm.Release(id)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent operation failed: %v", err)
	}

	if rm.GetActiveScans() != 0 {
		t.Errorf("Expected 0 active scans after completion, got %d", rm.GetActiveScans())
	}
	if rm.Peak() > 10 {
		t.Errorf("Expected peak at most 10, got %d", rm.Peak())
	}
	if rm.Peak() == 0 {
		t.Error("Expected a non-zero peak")
	}
}

func TestWeightedResourceManager_IsHealthy(t *testing.T) {
	t.Run("healthy with recent slots", func(t *testing.T) {
		rm := NewWeightedResourceManager(5)
		if !rm.IsHealthy() {
			t.Error("Expected healthy state with no active scans")
		}

		ctx := context.Background()
		_ = rm.Acquire(ctx, "recent-1")
		_ = rm.Acquire(ctx, "recent-2")

		if !rm.IsHealthy() {
			t.Error("Expected healthy state with recent scans")
		}

		rm.Release("recent-1")
		rm.Release("recent-2")
	})

	t.Run("unhealthy with hung slot", func(t *testing.T) {
		rm := NewWeightedResourceManager(2)
		rm.maxHold = 10 * time.Millisecond

		_ = rm.Acquire(context.Background(), "hung")
		time.Sleep(30 * time.Millisecond)

		if rm.IsHealthy() {
			t.Error("Expected unhealthy state with a hung slot")
		}

		stats := rm.GetStats()
		if stats["is_healthy"] != false {
			t.Errorf("Expected stats to report unhealthy, got %v", stats["is_healthy"])
		}
		if stats["active_scans"] != 1 {
			t.Errorf("Expected 1 active scan in stats, got %v", stats["active_scans"])
		}
		rm.Release("hung")
	})
}

package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultMaxHold is how long a slot may be held before the manager reports
// itself unhealthy.
const defaultMaxHold = 30 * time.Minute

// ResourceManager limits how many host pipelines run at once.
type ResourceManager interface {
	// Acquire blocks until a slot is available for id or ctx is done.
	Acquire(ctx context.Context, id string) error

	// Release frees the slot held by id. Unknown ids are ignored.
	Release(id string)

	// GetActiveScans returns the number of held slots.
	GetActiveScans() int

	// GetAvailableSlots returns the number of free slots.
	GetAvailableSlots() int

	// IsHealthy reports whether the manager is open and no slot has been
	// held for too long.
	IsHealthy() bool

	// Close rejects further acquisitions.
	Close() error
}

// WeightedResourceManager implements ResourceManager over a weighted
// semaphore with one unit per pipeline.
type WeightedResourceManager struct {
	capacity int
	sem      *semaphore.Weighted
	maxHold  time.Duration

	mutex  sync.RWMutex
	active map[string]time.Time
	peak   int
	closed bool
}

// NewWeightedResourceManager creates a manager with capacity slots.
func NewWeightedResourceManager(capacity int) *WeightedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &WeightedResourceManager{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		maxHold:  defaultMaxHold,
		active:   make(map[string]time.Time),
	}
}

// Acquire blocks until a slot is free for id.
func (rm *WeightedResourceManager) Acquire(ctx context.Context, id string) error {
	rm.mutex.RLock()
	closed := rm.closed
	_, duplicate := rm.active[id]
	rm.mutex.RUnlock()

	if closed {
		return fmt.Errorf("resource manager is closed")
	}
	if duplicate {
		return fmt.Errorf("slot %q is already held", id)
	}

	if err := rm.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	if rm.closed {
		rm.sem.Release(1)
		return fmt.Errorf("resource manager is closed")
	}
	rm.active[id] = time.Now()
	if len(rm.active) > rm.peak {
		rm.peak = len(rm.active)
	}
	return nil
}

// Release frees the slot held by id.
func (rm *WeightedResourceManager) Release(id string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.active[id]; exists {
		delete(rm.active, id)
		rm.sem.Release(1)
	}
}

// GetActiveScans returns the number of held slots.
func (rm *WeightedResourceManager) GetActiveScans() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return len(rm.active)
}

// GetAvailableSlots returns the number of free slots.
func (rm *WeightedResourceManager) GetAvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.capacity - len(rm.active)
}

// Capacity returns the number of slots.
func (rm *WeightedResourceManager) Capacity() int {
	return rm.capacity
}

// Peak returns the highest number of slots held at the same time.
func (rm *WeightedResourceManager) Peak() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.peak
}

// IsHealthy reports whether the manager is open and every slot was
// acquired within the hold limit.
func (rm *WeightedResourceManager) IsHealthy() bool {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	if rm.closed {
		return false
	}

	now := time.Now()
	for _, acquired := range rm.active {
		if now.Sub(acquired) > rm.maxHold {
			return false
		}
	}
	return true
}

// Close rejects further acquisitions. Held slots stay valid until they are
// released.
func (rm *WeightedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	rm.closed = true
	return nil
}

// GetStats returns statistics about the resource manager.
func (rm *WeightedResourceManager) GetStats() map[string]interface{} {
	healthy := rm.IsHealthy()

	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return map[string]interface{}{
		"capacity":        rm.capacity,
		"active_scans":    len(rm.active),
		"available_slots": rm.capacity - len(rm.active),
		"peak":            rm.peak,
		"is_healthy":      healthy,
		"closed":          rm.closed,
	}
}

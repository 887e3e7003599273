package resources

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Budget is the global admission control shared by all concurrently
// dispatched stages: a fixed number of execution slots and, optionally, a
// pool of memory megabytes that stages declaring MemoryMB draw from.
type Budget struct {
	slots    *semaphore.Weighted
	capacity int64

	memory   *semaphore.Weighted
	memoryMB int64

	mu    sync.Mutex
	inUse int
	peak  int
}

// NewBudget creates a Budget with maxConcurrency slots (minimum 1) and an
// optional memory pool; memoryMB <= 0 disables memory accounting.
func NewBudget(maxConcurrency int, memoryMB int64) *Budget {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	b := &Budget{
		slots:    semaphore.NewWeighted(int64(maxConcurrency)),
		capacity: int64(maxConcurrency),
	}
	if memoryMB > 0 {
		b.memory = semaphore.NewWeighted(memoryMB)
		b.memoryMB = memoryMB
	}
	return b
}

// Capacity returns the number of execution slots.
func (b *Budget) Capacity() int { return int(b.capacity) }

// Acquire blocks until a slot (and, when accounted, l.MemoryMB of memory) is
// available or ctx is done. The returned release must be called exactly once.
func (b *Budget) Acquire(ctx context.Context, l Limits) (release func(), err error) {
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var mem int64
	if b.memory != nil && l.MemoryMB > 0 {
		mem = l.MemoryMB
		if mem > b.memoryMB {
			b.slots.Release(1)
			return nil, fmt.Errorf("stage requests %d MB but the memory budget is %d MB", mem, b.memoryMB)
		}
		if err := b.memory.Acquire(ctx, mem); err != nil {
			b.slots.Release(1)
			return nil, err
		}
	}

	b.mu.Lock()
	b.inUse++
	if b.inUse > b.peak {
		b.peak = b.inUse
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.inUse--
			b.mu.Unlock()
			if mem > 0 {
				b.memory.Release(mem)
			}
			b.slots.Release(1)
		})
	}, nil
}

// Peak returns the highest number of simultaneously held slots.
func (b *Budget) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

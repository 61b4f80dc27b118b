package concurrency

import (
	"context"
	"sync"
	"time"
)

// Semaphore provides a counting semaphore
type Semaphore struct {
	sem chan struct{}
}

// NewSemaphore creates a new semaphore with the given capacity
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// Acquire acquires a permit from the semaphore
func (s *Semaphore) Acquire() {
	s.sem <- struct{}{}
}

// Release releases a permit back to the semaphore
func (s *Semaphore) Release() {
	<-s.sem
}

// TryAcquire attempts to acquire a permit without blocking
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquireWithTimeout attempts to acquire a permit with a timeout
func (s *Semaphore) AcquireWithTimeout(timeout time.Duration) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// BoundedEach runs fn once per item with at most `concurrency`
// in-flight calls at a time, used by phase workers to fan out over
// work items without unbounded goroutine counts (spec §4.6, §5 "bounded
// per region to respect provider concurrency"). It returns once every
// item has been processed or ctx is cancelled.
func BoundedEach[T any](ctx context.Context, concurrency int, items []T, fn func(ctx context.Context, item T)) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := NewSemaphore(concurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		sem.Acquire()
		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			defer sem.Release()
			fn(ctx, it)
		}(item)
	}
	wg.Wait()
}

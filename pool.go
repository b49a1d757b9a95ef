package collect

import (
	"golang.org/x/sync/semaphore"
)

// PoolClass selects which of a Scheduler's two weighted pools a task's
// work should run on: short, cheap single-row fetches go to GET; the
// heavier scan/merge work backing a phase's buckets goes to SEARCH.
type PoolClass int

const (
	PoolGet PoolClass = iota
	PoolSearch
)

// Scheduler is a pair of weighted semaphores standing in for a bounded
// thread pool per PoolClass. TryAcquire failing is not an error condition
// by itself -- Bound's Executor maps it to ErrExecutorRejected so the
// caller can fall back to running inline (P6) instead of blocking.
type Scheduler struct {
	get    *semaphore.Weighted
	search *semaphore.Weighted
}

// NewScheduler builds a Scheduler with the given per-class concurrency
// limits.
func NewScheduler(getCapacity, searchCapacity int64) *Scheduler {
	return &Scheduler{
		get:    semaphore.NewWeighted(getCapacity),
		search: semaphore.NewWeighted(searchCapacity),
	}
}

func (s *Scheduler) sem(class PoolClass) *semaphore.Weighted {
	if class == PoolSearch {
		return s.search
	}
	return s.get
}

// Bound returns an Executor that submits to the named pool class, running
// fn in its own goroutine once a slot is free. Submit itself never blocks:
// it tries to acquire a slot immediately and returns ErrExecutorRejected
// if none is free.
func (s *Scheduler) Bound(class PoolClass) Executor {
	return boundExecutor{sched: s, class: class}
}

type boundExecutor struct {
	sched *Scheduler
	class PoolClass
}

func (b boundExecutor) Submit(fn func()) error {
	sem := b.sched.sem(b.class)
	if !sem.TryAcquire(1) {
		return ErrExecutorRejected
	}
	go func() {
		defer sem.Release(1)
		fn()
	}()
	return nil
}

// SelectPool picks GET for a ShardGranularity phase -- short-request,
// single-shard work -- and SEARCH for anything else (DocGranularity, the
// long-running whole-relation scans).
func SelectPool(granularity RowGranularity) PoolClass {
	if granularity == ShardGranularity {
		return PoolGet
	}
	return PoolSearch
}


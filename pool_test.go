package collect

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScheduler_RejectsWhenSaturated(t *testing.T) {
	sched := NewScheduler(1, 1)
	exec := sched.Bound(PoolGet)

	block := make(chan struct{})
	started := make(chan struct{})
	if err := exec.Submit(func() {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started

	if err := exec.Submit(func() {}); !errors.Is(err, ErrExecutorRejected) {
		t.Fatalf("expected ErrExecutorRejected while saturated, got %v", err)
	}

	close(block)
}

func TestScheduler_ReleasesSlotAfterCompletion(t *testing.T) {
	sched := NewScheduler(1, 1)
	exec := sched.Bound(PoolSearch)

	var wg sync.WaitGroup
	wg.Add(1)
	if err := exec.Submit(func() { wg.Done() }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	wg.Wait()

	// give the goroutine time to release its semaphore slot after wg.Done
	time.Sleep(10 * time.Millisecond)

	if err := exec.Submit(func() {}); err != nil {
		t.Fatalf("expected slot to be free again, got %v", err)
	}
}

func TestSelectPool(t *testing.T) {
	if SelectPool(ShardGranularity) != PoolGet {
		t.Fatalf("expected shard granularity to select GET")
	}
	if SelectPool(DocGranularity) != PoolSearch {
		t.Fatalf("expected doc granularity to select SEARCH")
	}
}

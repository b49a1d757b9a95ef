package collect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func intRow(n int) Row { return Rows{n} }

func TestConcatPagingIterator_OrdersByUpstream(t *testing.T) {
	page := []KeyIterable[int]{
		{Key: 1, Bucket: NewBucket([]Row{intRow(3), intRow(4)})},
		{Key: 0, Bucket: NewBucket([]Row{intRow(1), intRow(2)})},
	}

	rows, drained, err := ConcatPagingIterator{}.Merge(page)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if drained != nil {
		t.Fatalf("expected no single-drained-upstream signal, got %d", *drained)
	}
	want := []int{1, 2, 3, 4}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, r := range rows {
		if r.Cell(0).(int) != want[i] {
			t.Fatalf("row %d: expected %d, got %v", i, want[i], r.Cell(0))
		}
	}
}

func TestSortMergePagingIterator_MergesAscending(t *testing.T) {
	less := func(a, b Row) bool { return a.Cell(0).(int) < b.Cell(0).(int) }
	page := []KeyIterable[int]{
		{Key: 0, Bucket: NewBucket([]Row{intRow(1), intRow(4), intRow(7)})},
		{Key: 1, Bucket: NewBucket([]Row{intRow(2), intRow(3), intRow(8)})},
	}

	rows, _, err := SortMergePagingIterator{Less: less}.Merge(page)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := []int{1, 2, 3, 4, 7, 8}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, r := range rows {
		if r.Cell(0).(int) != want[i] {
			t.Fatalf("row %d: expected %d, got %v", i, want[i], r.Cell(0))
		}
	}
}

func TestSingleNonEmptyUpstream(t *testing.T) {
	page := []KeyIterable[int]{
		{Key: 0, Bucket: NewBucket(nil)},
		{Key: 1, Bucket: NewBucket([]Row{intRow(9)})},
	}
	drained := singleNonEmptyUpstream(page)
	if drained == nil || *drained != 1 {
		t.Fatalf("expected upstream 1 as the sole contributor, got %v", drained)
	}

	page[0].Bucket = NewBucket([]Row{intRow(5)})
	if got := singleNonEmptyUpstream(page); got != nil {
		t.Fatalf("expected nil when more than one upstream contributed, got %d", *got)
	}
}

func TestBatchPagingIterator_DrainsSequentialPages(t *testing.T) {
	pages := [][]KeyIterable[int]{
		{{Key: 0, Bucket: NewBucket([]Row{intRow(1), intRow(2)})}},
		{{Key: 0, Bucket: NewBucket([]Row{intRow(3)})}},
	}
	callIdx := 0
	exhausted := false
	completions := 0

	fetchMore := func(*int) *pageFuture[[]KeyIterable[int]] {
		fut := newPageFuture[[]KeyIterable[int]]()
		page := pages[callIdx]
		callIdx++
		if callIdx == len(pages) {
			exhausted = true
		}
		fut.complete(page, nil)
		return fut
	}

	it := newBatchPagingIterator(ConcatPagingIterator{}, fetchMore, func() bool { return exhausted }, func(error) { completions++ })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var all []Row
	for {
		if err := <-it.LoadNextBatch(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
		for it.MoveNext() {
			all = append(all, it.Current())
		}
		if it.AllLoaded() {
			break
		}
	}

	if len(all) != 3 {
		t.Fatalf("expected 3 rows total, got %d", len(all))
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion signal, got %d", completions)
	}
}

func TestBatchPagingIterator_KillSignalsErrorOnce(t *testing.T) {
	fetchMore := func(*int) *pageFuture[[]KeyIterable[int]] {
		return newPageFuture[[]KeyIterable[int]]()
	}
	var errs []error
	it := newBatchPagingIterator(ConcatPagingIterator{}, fetchMore, func() bool { return false }, func(err error) { errs = append(errs, err) })

	cause := errors.New("cancelled")
	it.Kill(cause)
	it.Kill(errors.New("second kill should be ignored"))

	if len(errs) != 1 || !errors.Is(errs[0], cause) {
		t.Fatalf("expected exactly one completion with the first kill cause, got %v", errs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := <-it.LoadNextBatch(ctx); !errors.Is(err, cause) {
		t.Fatalf("expected LoadNextBatch to report the kill cause, got %v", err)
	}
}

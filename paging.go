package collect

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// PagingIterator performs the pluggable merge over one page's worth of
// buckets (spec: sort-merge, concat, or any other discipline). It is
// handed every bucket the receiver holds for the current page, keyed by
// upstream index, and returns the merged rows plus -- when exactly one
// upstream contributed the page's only non-empty bucket -- that upstream's
// index. That index is the signal BatchPagingIterator needs to ask the
// receiver for a selective refill instead of broadcasting to everyone.
type PagingIterator interface {
	Merge(page []KeyIterable[int]) (rows []Row, drainedUpstream *int, err error)
}

// singleNonEmptyUpstream reports the lone upstream that contributed rows
// this page, or nil when zero or more than one did.
func singleNonEmptyUpstream(page []KeyIterable[int]) *int {
	var idx int
	count := 0
	for _, entry := range page {
		if entry.Bucket.Size() > 0 {
			idx = entry.Key
			count++
		}
	}
	if count == 1 {
		v := idx
		return &v
	}
	return nil
}

func sortedByUpstream(page []KeyIterable[int]) []KeyIterable[int] {
	sorted := append([]KeyIterable[int](nil), page...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return sorted
}

// ConcatPagingIterator concatenates each page's buckets in ascending
// upstream-index order. It is the right choice when upstream order, not
// row content, determines output order (e.g. a single-shard scan fanned
// out for parallelism only).
type ConcatPagingIterator struct{}

func (ConcatPagingIterator) Merge(page []KeyIterable[int]) ([]Row, *int, error) {
	var rows []Row
	for _, entry := range sortedByUpstream(page) {
		rows = append(rows, entry.Bucket.Rows()...)
	}
	return rows, singleNonEmptyUpstream(page), nil
}

// SortMergePagingIterator k-way merges each page's buckets, each of which
// must already be sorted according to Less, preserving the configured
// sort order across upstreams.
type SortMergePagingIterator struct {
	Less func(a, b Row) bool
}

func (s SortMergePagingIterator) Merge(page []KeyIterable[int]) ([]Row, *int, error) {
	sorted := sortedByUpstream(page)

	cursors := make([][]Row, len(sorted))
	total := 0
	for i, entry := range sorted {
		cursors[i] = entry.Bucket.Rows()
		total += len(cursors[i])
	}

	merged := make([]Row, 0, total)
	for {
		best := -1
		for i, c := range cursors {
			if len(c) == 0 {
				continue
			}
			if best == -1 || s.Less(c[0], cursors[best][0]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		merged = append(merged, cursors[best][0])
		cursors[best] = cursors[best][1:]
	}

	return merged, singleNonEmptyUpstream(page), nil
}

// BatchPagingIterator adapts a PagingIterator into the BatchIterator
// protocol: it pulls a page via fetchMore, merges it, yields rows one at a
// time, and surfaces completion or error through onComplete exactly once.
// Grounded on flow.go's executeFlow goroutine+select+channel shape for
// cancellable, future-returning work.
type BatchPagingIterator struct {
	merger       PagingIterator
	fetchMore    func(exhaustedBucket *int) *pageFuture[[]KeyIterable[int]]
	allExhausted func() bool
	onComplete   func(error)
	completeOnce sync.Once

	buffer      []Row
	pos         int
	lastDrained *int
	killErr     atomic.Pointer[errBox]
}

func newBatchPagingIterator(
	merger PagingIterator,
	fetchMore func(*int) *pageFuture[[]KeyIterable[int]],
	allExhausted func() bool,
	onComplete func(error),
) *BatchPagingIterator {
	return &BatchPagingIterator{
		merger:       merger,
		fetchMore:    fetchMore,
		allExhausted: allExhausted,
		onComplete:   onComplete,
		pos:          -1,
	}
}

func (b *BatchPagingIterator) signalComplete(err error) {
	b.completeOnce.Do(func() {
		b.onComplete(err)
	})
}

func (b *BatchPagingIterator) MoveNext() bool {
	if b.pos+1 < len(b.buffer) {
		b.pos++
		return true
	}
	if b.allExhausted() {
		b.signalComplete(nil)
	}
	return false
}

func (b *BatchPagingIterator) Current() Row { return b.buffer[b.pos] }

func (b *BatchPagingIterator) AllLoaded() bool { return b.allExhausted() }

func (b *BatchPagingIterator) LoadNextBatch(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		if box := b.killErr.Load(); box != nil {
			ch <- box.err
			return
		}

		fut := b.fetchMore(b.lastDrained)
		page, err := fut.wait(ctx)
		if err != nil {
			b.signalComplete(err)
			ch <- err
			return
		}

		rows, drained, err := b.merger.Merge(page)
		if err != nil {
			b.signalComplete(err)
			ch <- err
			return
		}

		b.buffer = rows
		b.pos = -1
		b.lastDrained = drained
		ch <- nil
	}()
	return ch
}

func (b *BatchPagingIterator) Close() error { return nil }

func (b *BatchPagingIterator) Kill(cause error) {
	if cause == nil {
		cause = ErrJobKilled
	}
	b.killErr.CompareAndSwap(nil, &errBox{err: cause})
	b.signalComplete(cause)
}

func (b *BatchPagingIterator) MoveToStart() error {
	return ErrMoveToStartUnsupported
}

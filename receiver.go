package collect

import (
	"context"
	"sync"
)

// PageResultListener is notified as a CumulativePageBucketReceiver's pages
// resolve. NeedMore(false) means the upstream that owns this listener
// should stop sending buckets for this receiver; NeedMore(true) means send
// the next page.
type PageResultListener interface {
	NeedMore(needMore bool)
}

// PageBucketReceiver is the inbound half of the merge: one upstream calls
// SetBucket once per page, supplying its bucket for that page's index and
// whether it is now exhausted (has no further buckets to contribute).
type PageBucketReceiver interface {
	SetBucket(idx int, bucket Bucket, isLast bool, listener PageResultListener) error
}

// Streamer is an opaque wire encoder attached to one phase output type.
// No wire format is defined by this core -- a Streamer is carried from
// Task.Streamers() through to the planner-supplied transport untouched.
type Streamer any

// Executor runs a callback off the calling goroutine. Submit returns
// ErrExecutorRejected when the backing pool has no capacity; callers are
// expected to fall back to running inline (P6).
type Executor interface {
	Submit(fn func()) error
}

// inlineExecutor runs fn synchronously. It is the receiver's default
// Executor, matching flow.go's "no pool configured -> run on the caller's
// goroutine" fallback.
type inlineExecutor struct{}

func (inlineExecutor) Submit(fn func()) error {
	fn()
	return nil
}

// pageState is everything the page lock protects: the in-flight page's
// buckets-by-index, and which upstreams have told us they are exhausted.
type pageState struct {
	mu           sync.Mutex
	bucketsByIdx map[int]Bucket
	exhausted    map[int]bool
	loading      *pageFuture[[]KeyIterable[int]]
	firstFetch   bool
}

// bucketMembership is everything the buckets lock protects: the set of
// upstream indices that have ever registered a bucket, and the listener
// each one last handed the receiver (needed so fetchMore can call back
// into it without the caller re-supplying it). An index's listener is
// removed once that upstream sends isLast -- it has nothing left to
// re-solicit.
type bucketMembership struct {
	mu                sync.Mutex
	buckets           map[int]struct{}
	listenersByBucket map[int]PageResultListener
	numUpstreams      int
}

// ReceiverOption configures a CumulativePageBucketReceiver at construction
// time.
type ReceiverOption func(*CumulativePageBucketReceiver)

// WithPageObserver attaches fn to fire once per completed page, handed the
// same []KeyIterable[int] snapshot the paging iterator merges.
// extensions.NewBucketTreeLogger is the reference implementation.
func WithPageObserver(fn func([]KeyIterable[int])) ReceiverOption {
	return func(r *CumulativePageBucketReceiver) { r.pageObserver = fn }
}

// CumulativePageBucketReceiver synchronizes buckets from N upstreams into
// pages: a page resolves only once every registered upstream has
// contributed (or been marked exhausted) for it, at which point the merged
// rows are handed to the BatchIterator the receiver's consumer pulls from.
//
// Two independent locks guard disjoint state (pageState.mu for the
// in-flight page, bucketMembership.mu for the upstream roster). No path
// holds both at once: SetBucket, fetchMore, allUpstreamsExhausted and
// failProcessing each release one before taking the other, so the two
// cannot deadlock. fetchMore's re-solicitation calls to listeners happen
// after both locks are released: snapshot targets under lock, unlock, then
// call out.
// SetBucket is the one exception -- its own caller's NeedMore is invoked
// while still holding the page lock, ahead of the duplicate-bucket check,
// so a caller always learns whether to keep sending before learning its
// bucket was rejected.
type CumulativePageBucketReceiver struct {
	roster   bucketMembership
	page     pageState
	merger   PagingIterator
	executor Executor

	node, phase string

	pageObserver func([]KeyIterable[int])

	completion *pageFuture[struct{}]
	killed     sync.Once
	killCause  error
	killMu     sync.Mutex
}

// NewCumulativePageBucketReceiver builds a receiver expecting exactly
// numUpstreams distinct SetBucket callers, merging each page with merger.
// A nil executor defaults to running continuation callbacks inline. node
// and phase identify the receiver for error reporting (DuplicateBucket).
func NewCumulativePageBucketReceiver(numUpstreams int, merger PagingIterator, executor Executor, node, phase string, opts ...ReceiverOption) *CumulativePageBucketReceiver {
	if executor == nil {
		executor = inlineExecutor{}
	}
	r := &CumulativePageBucketReceiver{
		merger:     merger,
		executor:   executor,
		node:       node,
		phase:      phase,
		completion: newPageFuture[struct{}](),
	}
	r.roster.buckets = make(map[int]struct{}, numUpstreams)
	r.roster.listenersByBucket = make(map[int]PageResultListener, numUpstreams)
	r.roster.numUpstreams = numUpstreams
	r.page.bucketsByIdx = make(map[int]Bucket, numUpstreams)
	r.page.exhausted = make(map[int]bool, numUpstreams)
	r.page.loading = newPageFuture[[]KeyIterable[int]]()
	r.page.firstFetch = true
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Iterator returns the BatchIterator the receiver's consumer pulls merged
// rows from. Constructed with zero upstreams, the receiver is immediately
// exhausted and returns an EmptyBatchIterator.
func (r *CumulativePageBucketReceiver) Iterator() BatchIterator[Row] {
	if r.roster.numUpstreams == 0 {
		r.completion.complete(struct{}{}, nil)
		return EmptyBatchIterator[Row]{}
	}
	return newBatchPagingIterator(r.merger, r.fetchMore, r.allUpstreamsExhausted, r.signalCompletion)
}

func (r *CumulativePageBucketReceiver) signalCompletion(err error) {
	r.completion.complete(struct{}{}, err)
}

// Wait blocks until the receiver's completion future resolves or ctx is
// done, whichever comes first.
func (r *CumulativePageBucketReceiver) Wait(ctx context.Context) error {
	_, err := r.completion.wait(ctx)
	return err
}

// SetBucket is called once per page by each upstream. It is the spec's
// "push" side: a listener is told NeedMore(false) only when its bucket is
// isLast or the receiver has already been killed -- NeedMore(true)
// is never sent from here, only from fetchMore's pull-driven
// re-solicitation. That NeedMore(false) call happens ahead of the
// duplicate-bucket check, preserving the original ordering even though a
// duplicate terminates the receiver with an error.
func (r *CumulativePageBucketReceiver) SetBucket(idx int, bucket Bucket, isLast bool, listener PageResultListener) error {
	killed := r.KillCause() != nil

	r.roster.mu.Lock()
	r.roster.buckets[idx] = struct{}{}
	if isLast {
		delete(r.roster.listenersByBucket, idx)
	} else {
		r.roster.listenersByBucket[idx] = listener
	}
	r.roster.mu.Unlock()

	r.page.mu.Lock()

	if isLast || killed {
		listener.NeedMore(false)
	}

	if _, dup := r.page.bucketsByIdx[idx]; dup {
		r.page.mu.Unlock()
		err := &DuplicateBucket{Node: r.node, Phase: r.phase, Idx: idx}
		r.failProcessing(err)
		return err
	}

	r.page.bucketsByIdx[idx] = bucket
	if isLast {
		r.page.exhausted[idx] = true
	}

	if !r.pageCompleteLocked() {
		r.page.mu.Unlock()
		return nil
	}

	page, fut := r.drainPageLocked()
	r.page.mu.Unlock()

	if r.pageObserver != nil {
		r.pageObserver(page)
	}

	complete := func() { fut.complete(page, nil) }
	if err := r.executor.Submit(complete); err != nil {
		complete()
	}
	return nil
}

// pageCompleteLocked reports whether every known upstream has a bucket for
// the in-flight page. Must be called with page.mu held. numUpstreams is
// fixed at construction, so it is read without taking roster.mu.
func (r *CumulativePageBucketReceiver) pageCompleteLocked() bool {
	return len(r.page.bucketsByIdx) >= r.roster.numUpstreams
}

// drainPageLocked snapshots the completed page, resets the bucket slots for
// the next one, and returns the resolved page plus the current loading
// future to complete with it. The fresh future for the following page is
// installed by fetchMore, not here, so a first page that completes before
// the consumer's first pull is still delivered by that pull.
// Must be called with page.mu held; returns with it still held.
func (r *CumulativePageBucketReceiver) drainPageLocked() ([]KeyIterable[int], *pageFuture[[]KeyIterable[int]]) {
	page := make([]KeyIterable[int], 0, len(r.page.bucketsByIdx))
	for idx, bucket := range r.page.bucketsByIdx {
		page = append(page, KeyIterable[int]{Key: idx, Bucket: bucket})
		if r.page.exhausted[idx] {
			// Exhausted upstreams keep contributing EmptyBucket so the
			// page-completion predicate keeps firing without them.
			r.page.bucketsByIdx[idx] = EmptyBucket
		} else {
			delete(r.page.bucketsByIdx, idx)
		}
	}
	return page, r.page.loading
}

// fetchMore is BatchPagingIterator's pull hook. The first call is a
// no-op push-to-pull handoff: it just returns the future of the first
// page, which may already be resolved if that page was pushed before the
// pull. Subsequent calls install a fresh future for the next page, then
// re-request more from either every non-exhausted upstream, or -- when the
// previous page was drained by exactly one upstream -- that upstream alone.
// Once the receiver has been killed, the fresh future is resolved with the
// kill cause before it is returned.
// Exhausted upstreams are never re-solicited: their index is excluded from
// the broadcast target list and their listener was already dropped from
// the roster by SetBucket.
func (r *CumulativePageBucketReceiver) fetchMore(drainedUpstream *int) *pageFuture[[]KeyIterable[int]] {
	r.page.mu.Lock()
	if r.page.firstFetch {
		r.page.firstFetch = false
		fut := r.page.loading
		r.page.mu.Unlock()
		return fut
	}
	r.page.loading = newPageFuture[[]KeyIterable[int]]()
	fut := r.page.loading
	r.page.mu.Unlock()

	if cause := r.KillCause(); cause != nil {
		fut.complete(nil, cause)
		return fut
	}

	r.roster.mu.Lock()
	var targets []int
	if drainedUpstream != nil {
		targets = []int{*drainedUpstream}
	} else {
		for idx := range r.roster.buckets {
			targets = append(targets, idx)
		}
	}
	listeners := make(map[int]PageResultListener, len(targets))
	for _, idx := range targets {
		listeners[idx] = r.roster.listenersByBucket[idx]
	}
	r.roster.mu.Unlock()

	if drainedUpstream == nil {
		r.page.mu.Lock()
		filtered := targets[:0]
		for _, idx := range targets {
			if !r.page.exhausted[idx] {
				filtered = append(filtered, idx)
			}
		}
		targets = filtered
		r.page.mu.Unlock()
	}

	for _, idx := range targets {
		if listener := listeners[idx]; listener != nil {
			listener.NeedMore(true)
		}
	}
	return fut
}

// allUpstreamsExhausted reports whether every registered upstream has sent
// its last bucket and the consumer has already made its first pull, so
// the stream never reports done before the first pushed page is observed.
func (r *CumulativePageBucketReceiver) allUpstreamsExhausted() bool {
	r.roster.mu.Lock()
	n := r.roster.numUpstreams
	r.roster.mu.Unlock()

	r.page.mu.Lock()
	defer r.page.mu.Unlock()
	return !r.page.firstFetch && len(r.page.exhausted) >= n
}

// Kill aborts the receiver: the current and all future page futures
// resolve with cause, and the completion future resolves with the same
// error. Only the first call has effect.
func (r *CumulativePageBucketReceiver) Kill(cause error) {
	if cause == nil {
		cause = ErrJobKilled
	}
	r.killed.Do(func() {
		r.killMu.Lock()
		r.killCause = cause
		r.killMu.Unlock()
		r.failProcessing(cause)
	})
}

var _ PageBucketReceiver = (*CumulativePageBucketReceiver)(nil)

// KillCause returns the error Kill was called with, or nil if the
// receiver hasn't been killed.
func (r *CumulativePageBucketReceiver) KillCause() error {
	r.killMu.Lock()
	defer r.killMu.Unlock()
	return r.killCause
}

// failProcessing resolves the current loading page and the overall
// completion future with err, then tells every still-stashed listener
// NeedMore(false) and clears the roster -- no upstream should wait
// indefinitely for a signal once processing has terminated.
func (r *CumulativePageBucketReceiver) failProcessing(err error) {
	r.page.mu.Lock()
	fut := r.page.loading
	r.page.mu.Unlock()
	fut.complete(nil, err)
	r.completion.complete(struct{}{}, err)

	r.roster.mu.Lock()
	listeners := r.roster.listenersByBucket
	r.roster.listenersByBucket = make(map[int]PageResultListener, r.roster.numUpstreams)
	r.roster.mu.Unlock()

	for _, listener := range listeners {
		listener.NeedMore(false)
	}
}

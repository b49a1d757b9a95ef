package collect

import (
	"context"
	"sync"
	"sync/atomic"
)

// RamAccounting tracks memory a task's searchers consume, so a task can be
// killed on breach rather than let one query exhaust node memory. The core
// only calls it; enforcement policy lives with whoever implements it.
type RamAccounting interface {
	AddBytes(n int64) error
	Release()
	// Used reports the cumulative bytes accounted so far. CollectTask reads
	// it once, at completion, to fill CompletionState.BytesUsed.
	Used() int64
}

// Searcher is a handle a CollectTask owns for the lifetime of one phase's
// execution -- typically a Lucene-style IndexSearcher reference, kept open
// only as long as the phase needs it. Close must be idempotent.
type Searcher interface {
	Close() error
}

// Consumer receives the rows a CollectTask produces. It is the seam
// between the task and whatever turns rows into a client response
// (pagination, serialization, a downstream phase). Start dispatches
// ConsumeRows onto the task's pool exactly once; any error ConsumeRows
// returns is the consumer's own problem to handle -- it never reaches
// CollectTask.Wait, which always resolves successfully.
type Consumer interface {
	ConsumeRows(ctx context.Context, it BatchIterator[Row]) error
}

// TaskObserver is notified of lifecycle transitions on a CollectTask, used
// for logging/metrics/tracing without coupling the task to any one of
// those. extensions.LoggingObserver is the ambient implementation this
// module ships; audit.Observer is the domain one, recording completions to
// a Store.
type TaskObserver interface {
	OnPrepared(taskID, phaseName string)
	OnStarted(taskID, phaseName string)
	OnCompleted(taskID, phaseName string, rowCount int64, err error)
}

// TaskState is the CollectTask lifecycle: CREATED -> PREPARED -> RUNNING ->
// STOPPED. Transitions are enforced with a single atomic CAS per edge so
// concurrent Start/Kill calls can't double-run or double-complete a task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskPrepared
	TaskRunning
	TaskStopped
)

// CompletionState is what a task's completion future resolves with. It
// never carries the task's propagated failure -- only whatever ram
// accounting was observed by the time the task stopped. The failure itself
// is routed to the task's Consumer (via the iterator it pulls from), not
// to Wait's caller.
type CompletionState struct {
	BytesUsed int64
}

// TaskOption configures a CollectTask at construction time.
type TaskOption func(*CollectTask)

// WithObserver attaches a TaskObserver to the task.
func WithObserver(o TaskObserver) TaskOption {
	return func(t *CollectTask) { t.observer = o }
}

// WithRamAccounting attaches ram accounting the task releases on Kill or
// completion.
func WithRamAccounting(a RamAccounting) TaskOption {
	return func(t *CollectTask) { t.ram = a }
}

// WithExecutor overrides the executor the task's receiver uses to run
// page-completion continuations (default: inline).
func WithExecutor(e Executor) TaskOption {
	return func(t *CollectTask) { t.executor = e }
}

// WithStreamers attaches the wire encoders the planner supplied for this
// phase's output types. The core never inspects them -- Streamers()
// exposes them to whatever transport layer ships rows downstream.
func WithStreamers(streamers ...Streamer) TaskOption {
	return func(t *CollectTask) { t.streamers = streamers }
}

// WithNode names the cluster node this task runs on, used only to
// identify the task's receiver in DuplicateBucket errors.
func WithNode(node string) TaskOption {
	return func(t *CollectTask) { t.node = node }
}

// WithConsumer attaches the Consumer Start dispatches the task's merged
// row stream to. Without one, Start only flips lifecycle state -- rows sit
// unread until something calls Iterator() directly.
func WithConsumer(c Consumer) TaskOption {
	return func(t *CollectTask) { t.consumer = c }
}

// WithScheduler attaches the Scheduler Start submits the Consumer's
// ConsumeRows call onto, bound to SelectPool(phase.Granularity). Without
// one, ConsumeRows runs on its own unbounded goroutine.
func WithScheduler(s *Scheduler) TaskOption {
	return func(t *CollectTask) { t.scheduler = s }
}

// WithReceiverOptions passes ReceiverOption values through to the task's
// underlying CumulativePageBucketReceiver at construction time --
// WithPageObserver(extensions.NewBucketTreeLogger(...)) is the reference
// use.
func WithReceiverOptions(opts ...ReceiverOption) TaskOption {
	return func(t *CollectTask) { t.receiverOpts = append(t.receiverOpts, opts...) }
}

// CollectTask is the per-phase execution unit: it owns a
// CumulativePageBucketReceiver fed by one or more Searcher-backed
// upstreams, walks CREATED -> PREPARED -> RUNNING -> STOPPED, and exposes
// Wait for a Consumer to block on completion.
type CollectTask struct {
	id    string
	phase Phase
	node  string

	state atomic.Int32

	searchersMu sync.Mutex
	searchers   map[string]Searcher

	receiver     *CumulativePageBucketReceiver
	receiverOpts []ReceiverOption
	observer     TaskObserver
	ram          RamAccounting
	executor     Executor
	streamers    []Streamer

	consumer  Consumer
	scheduler *Scheduler

	rowsProduced atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	finishOnce sync.Once
	finalState CompletionState

	killCause atomic.Pointer[errBox]
}

// NewCollectTask builds a task for phase, merging numUpstreams' worth of
// buckets with merger. Apply TaskOption values to attach an observer, ram
// accounting, a bounded executor, or a Consumer/Scheduler pair. A
// background goroutine starts tracking the receiver's completion
// immediately -- it is the task's sole teardown trigger, covering both
// natural completion and Kill.
func NewCollectTask(phase Phase, numUpstreams int, merger PagingIterator, opts ...TaskOption) *CollectTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &CollectTask{
		id:        newID(),
		phase:     phase,
		searchers: make(map[string]Searcher),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.receiver = NewCumulativePageBucketReceiver(numUpstreams, merger, t.executor, t.node, t.phase.Name, t.receiverOpts...)
	go t.awaitReceiver()
	return t
}

// ID returns the task's unique identifier.
func (t *CollectTask) ID() string { return t.id }

// Name returns the underlying phase's name, used in logs and errors.
func (t *CollectTask) Name() string { return t.phase.Name }

// Streamers returns the wire encoders attached to this task's phase
// output types, untouched since construction.
func (t *CollectTask) Streamers() []Streamer { return t.streamers }

// State returns the task's current lifecycle state.
func (t *CollectTask) State() TaskState {
	return TaskState(t.state.Load())
}

// AddSearcher registers a Searcher under id for the task's lifetime. A
// duplicate id closes both the new and the already-registered handle
// before returning DuplicateSearcher, so neither leaks.
func (t *CollectTask) AddSearcher(id string, s Searcher) error {
	t.searchersMu.Lock()
	defer t.searchersMu.Unlock()

	if existing, dup := t.searchers[id]; dup {
		_ = existing.Close()
		_ = s.Close()
		return &DuplicateSearcher{ID: id}
	}
	t.searchers[id] = s
	return nil
}

// Prepare transitions CREATED -> PREPARED. It is a no-op (returns nil)
// when the task is already past CREATED, matching the teacher's idempotent
// prepare-before-start pattern in controller.go.
func (t *CollectTask) Prepare() error {
	if !t.state.CompareAndSwap(int32(TaskCreated), int32(TaskPrepared)) {
		return nil
	}
	if t.observer != nil {
		t.observer.OnPrepared(t.id, t.phase.Name)
	}
	return nil
}

// Start transitions PREPARED -> RUNNING and, when a Consumer is attached,
// submits its ConsumeRows call onto the Scheduler bound to
// SelectPool(phase.Granularity) -- falling back to an unbounded goroutine
// when no Scheduler is configured or the bound pool rejects the
// submission (P6). Starting a CREATED task is ErrMustPrepareFirst;
// starting an already-RUNNING task is ErrAlreadyStarted. Starting a
// STOPPED task is a no-op -- it lost a race with Kill, which already ran
// the task's teardown.
func (t *CollectTask) Start() error {
	switch TaskState(t.state.Load()) {
	case TaskCreated:
		return ErrMustPrepareFirst
	case TaskRunning:
		return ErrAlreadyStarted
	case TaskStopped:
		return nil
	}
	if !t.state.CompareAndSwap(int32(TaskPrepared), int32(TaskRunning)) {
		// Lost a race with Kill between the switch above and the CAS.
		return nil
	}
	if t.observer != nil {
		t.observer.OnStarted(t.id, t.phase.Name)
	}
	if t.consumer != nil {
		submit := func() {
			_ = t.consumer.ConsumeRows(t.ctx, t.consumerIterator())
		}
		if t.scheduler == nil {
			go submit()
		} else if err := t.scheduler.Bound(SelectPool(t.phase.Granularity)).Submit(submit); err != nil {
			go submit()
		}
	}
	return nil
}

// consumerIterator wraps the receiver's row stream with ram accounting --
// every row the Consumer pulls is charged against t.ram and counted
// towards the rowCount an observer's OnCompleted receives. Direct
// Iterator() callers bypass this accounting.
func (t *CollectTask) consumerIterator() BatchIterator[Row] {
	return &rowAccountingIterator{BatchIterator: t.receiver.Iterator(), task: t}
}

// Kill aborts the task: its receiver is killed with cause, which unblocks
// awaitReceiver and runs the task's one teardown path. Only the first
// call has effect.
func (t *CollectTask) Kill(cause error) {
	if cause == nil {
		cause = ErrJobKilled
	}
	if !t.killCause.CompareAndSwap(nil, &errBox{err: cause}) {
		return
	}
	t.receiver.Kill(cause)
}

// Iterator returns the task's merged row stream, as exposed by its
// receiver.
func (t *CollectTask) Iterator() BatchIterator[Row] {
	return t.receiver.Iterator()
}

// SetBucket forwards a page's bucket from one upstream into the task's
// receiver.
func (t *CollectTask) SetBucket(idx int, bucket Bucket, isLast bool, listener PageResultListener) error {
	return t.receiver.SetBucket(idx, bucket, isLast, listener)
}

var _ PageBucketReceiver = (*CollectTask)(nil)

// awaitReceiver blocks for the task's entire lifetime tracking the
// receiver's completion future -- the only trigger for finish, whether the
// task ran to natural exhaustion or was killed.
func (t *CollectTask) awaitReceiver() {
	err := t.receiver.Wait(context.Background())
	t.finish(err)
}

// finish runs the task's teardown exactly once: close every open
// searcher, release ram accounting (recording whatever it reports used),
// cancel the context handed to the Consumer, notify the observer, and
// unblock Wait. err is the receiver's propagated failure -- it reaches the
// Consumer through the iterator it pulled from, never through Wait.
func (t *CollectTask) finish(err error) {
	t.finishOnce.Do(func() {
		t.state.Store(int32(TaskStopped))

		t.searchersMu.Lock()
		for id, s := range t.searchers {
			_ = s.Close()
			delete(t.searchers, id)
		}
		t.searchersMu.Unlock()

		var used int64
		if t.ram != nil {
			used = t.ram.Used()
			t.ram.Release()
		}
		t.finalState = CompletionState{BytesUsed: used}

		t.cancel()

		if t.observer != nil {
			t.observer.OnCompleted(t.id, t.phase.Name, t.rowsProduced.Load(), err)
		}
		close(t.done)
	})
}

// Wait blocks until the task finishes or ctx is done, whichever comes
// first. It never surfaces the task's own propagated failure -- only a
// non-nil error from ctx itself. Whatever bytes were accounted by
// completion are always reported in the returned CompletionState.
func (t *CollectTask) Wait(ctx context.Context) (CompletionState, error) {
	select {
	case <-t.done:
		return t.finalState, nil
	case <-ctx.Done():
		return CompletionState{}, ctx.Err()
	}
}

// rowAccountingIterator charges each row a Consumer pulls against the
// task's ram accounting and row count. It embeds BatchIterator[Row] so
// every method but MoveNext passes through untouched.
type rowAccountingIterator struct {
	BatchIterator[Row]
	task *CollectTask
}

func (it *rowAccountingIterator) MoveNext() bool {
	if !it.BatchIterator.MoveNext() {
		return false
	}
	it.task.rowsProduced.Add(1)
	if it.task.ram != nil {
		_ = it.task.ram.AddBytes(rowSize(it.BatchIterator.Current()))
	}
	return true
}

// rowSize estimates a Row's memory footprint for ram accounting: strings
// and byte slices count their length, everything else counts as one
// machine word. It is a cheap approximation, not an exact accounting --
// good enough to catch a runaway query well before it catches a node OOM.
func rowSize(r Row) int64 {
	var n int64
	for i := 0; i < r.NumCells(); i++ {
		switch v := r.Cell(i).(type) {
		case string:
			n += int64(len(v))
		case []byte:
			n += int64(len(v))
		default:
			n += 8
		}
	}
	return n
}

package collect

import (
	"context"
	"errors"
	"testing"
	"time"
)

type closeTrackingSearcher struct {
	closed bool
}

func (s *closeTrackingSearcher) Close() error {
	s.closed = true
	return nil
}

type recordingObserver struct {
	prepared  []string
	started   []string
	completed []string
	lastErr   error
	lastRows  int64
}

func (o *recordingObserver) OnPrepared(id, phaseName string) { o.prepared = append(o.prepared, id) }
func (o *recordingObserver) OnStarted(id, phaseName string)  { o.started = append(o.started, id) }
func (o *recordingObserver) OnCompleted(id, phaseName string, rowCount int64, err error) {
	o.completed = append(o.completed, id)
	o.lastErr = err
	o.lastRows = rowCount
}

func TestCollectTask_LifecycleHappyPath(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	obs := &recordingObserver{}
	task := NewCollectTask(phase, 1, ConcatPagingIterator{}, WithObserver(obs))

	if task.State() != TaskCreated {
		t.Fatalf("expected CREATED, got %v", task.State())
	}

	if err := task.Start(); !errors.Is(err, ErrMustPrepareFirst) {
		t.Fatalf("expected ErrMustPrepareFirst, got %v", err)
	}

	if err := task.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if task.State() != TaskPrepared {
		t.Fatalf("expected PREPARED, got %v", task.State())
	}

	if err := task.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.State() != TaskRunning {
		t.Fatalf("expected RUNNING, got %v", task.State())
	}

	if err := task.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	listener := newRecordingListener()
	go func() { _ = task.SetBucket(0, NewBucket([]Row{strRow("x")}), true, listener) }()
	<-listener.ch

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it := task.Iterator()
	if err := <-it.LoadNextBatch(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	for it.MoveNext() {
	}

	state, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state.BytesUsed != 0 {
		t.Fatalf("expected zero bytes used with no ram accounting attached, got %d", state.BytesUsed)
	}
	if task.State() != TaskStopped {
		t.Fatalf("expected STOPPED after completion, got %v", task.State())
	}
	if len(obs.completed) != 1 {
		t.Fatalf("expected exactly one OnCompleted call, got %d", len(obs.completed))
	}
	if obs.lastErr != nil {
		t.Fatalf("expected nil error on clean completion, got %v", obs.lastErr)
	}
}

func TestCollectTask_DuplicateSearcherClosesBoth(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	task := NewCollectTask(phase, 1, ConcatPagingIterator{})

	first := &closeTrackingSearcher{}
	second := &closeTrackingSearcher{}

	if err := task.AddSearcher("s0", first); err != nil {
		t.Fatalf("first AddSearcher: %v", err)
	}

	err := task.AddSearcher("s0", second)
	var dup *DuplicateSearcher
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateSearcher, got %T: %v", err, err)
	}
	if !first.closed || !second.closed {
		t.Fatalf("expected both searchers closed, first=%v second=%v", first.closed, second.closed)
	}
}

func TestCollectTask_KillClosesSearchersAndReleasesRam(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	ram := &trackingRamAccounting{}
	obs := &recordingObserver{}
	task := NewCollectTask(phase, 1, ConcatPagingIterator{}, WithRamAccounting(ram), WithObserver(obs))

	searcher := &closeTrackingSearcher{}
	_ = task.AddSearcher("s0", searcher)
	_ = task.Prepare()
	_ = task.Start()

	cause := errors.New("client disconnected")
	task.Kill(cause)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The completion future never fails -- the kill cause is swallowed,
	// not surfaced through Wait.
	if _, err := task.Wait(ctx); err != nil {
		t.Fatalf("expected Wait to resolve cleanly on kill, got %v", err)
	}

	if !searcher.closed {
		t.Fatalf("expected searcher to be closed on kill")
	}
	if !ram.released {
		t.Fatalf("expected ram accounting to be released on kill")
	}
	if task.State() != TaskStopped {
		t.Fatalf("expected STOPPED after kill, got %v", task.State())
	}
	if len(obs.completed) != 1 {
		t.Fatalf("expected exactly one OnCompleted call, got %d", len(obs.completed))
	}
	if !errors.Is(obs.lastErr, cause) {
		t.Fatalf("expected the observer to see the kill cause, got %v", obs.lastErr)
	}
}

func TestCollectTask_StreamersPassThroughUntouched(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	task := NewCollectTask(phase, 1, ConcatPagingIterator{}, WithStreamers("json", "arrow"))

	streamers := task.Streamers()
	if len(streamers) != 2 || streamers[0] != "json" || streamers[1] != "arrow" {
		t.Fatalf("expected streamers to pass through untouched, got %v", streamers)
	}
}

// recordingConsumer drains its iterator to completion, recording every row
// and the terminal error (if any) LoadNextBatch ultimately surfaces.
type recordingConsumer struct {
	done chan struct{}
	rows []Row
	err  error
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{done: make(chan struct{})}
}

func (c *recordingConsumer) ConsumeRows(ctx context.Context, it BatchIterator[Row]) error {
	defer close(c.done)
	for {
		for it.MoveNext() {
			c.rows = append(c.rows, it.Current())
		}
		if it.AllLoaded() {
			return nil
		}
		if err := <-it.LoadNextBatch(ctx); err != nil {
			c.err = err
			return err
		}
	}
}

func TestCollectTask_StartDispatchesConsumerOntoScheduler(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	ram := &trackingRamAccounting{}
	consumer := newRecordingConsumer()
	sched := NewScheduler(4, 4)
	task := NewCollectTask(phase, 1, ConcatPagingIterator{},
		WithRamAccounting(ram), WithConsumer(consumer), WithScheduler(sched))

	_ = task.Prepare()
	_ = task.Start()

	listener := newRecordingListener()
	_ = task.SetBucket(0, NewBucket([]Row{strRow("a"), strRow("bb")}), true, listener)

	select {
	case <-consumer.done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for consumer to drain")
	}

	if len(consumer.rows) != 2 {
		t.Fatalf("expected consumer to see 2 rows, got %d", len(consumer.rows))
	}
	if consumer.err != nil {
		t.Fatalf("expected consumer to see no error, got %v", consumer.err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state.BytesUsed <= 0 {
		t.Fatalf("expected ram accounting to have charged consumed rows, got %d bytes", state.BytesUsed)
	}
}

func TestCollectTask_KillPropagatesToConsumerNotToWait(t *testing.T) {
	phase := NewPhase("scan", "doc", "events", ShardGranularity)
	consumer := newRecordingConsumer()
	task := NewCollectTask(phase, 1, ConcatPagingIterator{}, WithConsumer(consumer))

	_ = task.Prepare()
	_ = task.Start()

	cause := errors.New("upstream exploded")
	task.Kill(cause)

	select {
	case <-consumer.done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for consumer to observe the kill")
	}
	if !errors.Is(consumer.err, cause) {
		t.Fatalf("expected the consumer to see the kill cause, got %v", consumer.err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := task.Wait(ctx); err != nil {
		t.Fatalf("expected Wait to resolve cleanly despite the kill, got %v", err)
	}
}

type trackingRamAccounting struct {
	bytes    int64
	released bool
}

func (r *trackingRamAccounting) AddBytes(n int64) error {
	r.bytes += n
	return nil
}

func (r *trackingRamAccounting) Used() int64 { return r.bytes }

func (r *trackingRamAccounting) Release() { r.released = true }

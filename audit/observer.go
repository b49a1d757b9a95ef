package audit

import (
	"context"
	"sync"
	"time"

	collect "github.com/distsql/collect"
)

// Observer adapts a Store into a collect.TaskObserver: it timestamps each
// task at OnStarted and writes one PhaseRecord to the store at
// OnCompleted. Grounded on the teacher's extensions package pattern of a
// small, focused side-effecting type wired in as an optional observer
// rather than baked into the core.
type Observer struct {
	store *Store

	mu      sync.Mutex
	started map[string]time.Time
}

// NewObserver builds an Observer recording completions to store.
func NewObserver(store *Store) *Observer {
	return &Observer{store: store, started: make(map[string]time.Time)}
}

func (o *Observer) OnPrepared(taskID, phaseName string) {}

func (o *Observer) OnStarted(taskID, phaseName string) {
	o.mu.Lock()
	o.started[taskID] = time.Now()
	o.mu.Unlock()
}

// OnCompleted records a PhaseRecord for taskID. A task that never reached
// OnStarted (killed before Start, say) is recorded with StartedAt equal to
// EndedAt rather than skipped -- the audit trail should show every task
// that was constructed, not just ones that ran.
func (o *Observer) OnCompleted(taskID, phaseName string, rowCount int64, err error) {
	o.mu.Lock()
	startedAt, ok := o.started[taskID]
	delete(o.started, taskID)
	o.mu.Unlock()

	endedAt := time.Now()
	if !ok {
		startedAt = endedAt
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	_ = o.store.Record(context.Background(), PhaseRecord{
		TaskID:    taskID,
		PhaseName: phaseName,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		RowCount:  rowCount,
		Err:       errMsg,
	})
}

var _ collect.TaskObserver = (*Observer)(nil)

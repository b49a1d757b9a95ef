package collect

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is, in the teacher's style of mixing
// plain sentinels with struct errors depending on whether the failure
// carries per-occurrence data.
var (
	// ErrJobKilled is the default cause supplied to Kill when the caller
	// passes none.
	ErrJobKilled = errors.New("job killed")
	// ErrMustPrepareFirst is returned by Start when the task is still CREATED.
	ErrMustPrepareFirst = errors.New("collect task must be prepared before it can be started")
	// ErrAlreadyStarted is returned by Start when the task is already RUNNING.
	ErrAlreadyStarted = errors.New("collect task already started")
	// ErrExecutorRejected is returned by Executor.Submit when the backing
	// pool has no free capacity; callers fall back to running inline.
	ErrExecutorRejected = errors.New("executor rejected submission")
	// ErrMoveToStartUnsupported is returned by MoveToStart on iterators that
	// cannot rewind.
	ErrMoveToStartUnsupported = errors.New("moveToStart not supported by this iterator")
)

// DuplicateBucket is produced when an upstream sends two buckets for the
// same page under the same index. It terminates the receiver's processing
// future (P5).
type DuplicateBucket struct {
	Node  string
	Phase string
	Idx   int
}

func (e *DuplicateBucket) Error() string {
	return fmt.Sprintf("node %s: phase %s: duplicate bucket for upstream %d", e.Node, e.Phase, e.Idx)
}

// DuplicateSearcher is produced by CollectTask.AddSearcher when two
// searchers register under the same id. Both handles are closed before
// this error is returned, so the leak surfaces loudly instead of quietly.
type DuplicateSearcher struct {
	ID string
}

func (e *DuplicateSearcher) Error() string {
	return fmt.Sprintf("searcher %q already registered", e.ID)
}

// SchemaUnknown is returned by SystemCollectSource when the phase names a
// schema with no registered table definitions.
type SchemaUnknown struct {
	Schema string
}

func (e *SchemaUnknown) Error() string {
	return fmt.Sprintf("schema unknown: %s", e.Schema)
}

// RelationUnknown is returned by SystemCollectSource when the schema is
// known but the relation within it is not.
type RelationUnknown struct {
	Schema   string
	Relation string
}

func (e *RelationUnknown) Error() string {
	return fmt.Sprintf("relation unknown: %s.%s", e.Schema, e.Relation)
}

// errBox lets an atomic.Pointer carry a possibly-nil error value, since
// atomic.Pointer[error] cannot box a nil interface directly.
type errBox struct{ err error }

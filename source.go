package collect

import "context"

// RowGranularity distinguishes a phase routed to a single shard by key
// (ShardGranularity, a short lookup routed to the GET pool) from one that
// scans a whole relation (DocGranularity, the long-running work routed to
// SEARCH).
type RowGranularity int

const (
	DocGranularity RowGranularity = iota
	ShardGranularity
)

// Phase describes one collect phase: what to read, at what granularity,
// and under which id the task tracks it. ID is assigned by NewPhase so
// every phase -- even two describing the same relation on different
// nodes -- is distinguishable in logs and audit records.
type Phase struct {
	ID          string
	Name        string
	Schema      string
	Relation    string
	Granularity RowGranularity
}

// NewPhase builds a Phase with a fresh id.
func NewPhase(name, schema, relation string, granularity RowGranularity) Phase {
	return Phase{
		ID:          newID(),
		Name:        name,
		Schema:      schema,
		Relation:    relation,
		Granularity: granularity,
	}
}

// CollectSource is the plug-in seam between a Phase and actual data: given
// a Phase, it produces a BatchIterator[Row] over that phase's rows.
// SystemCollectSource is the illustrative implementation this core ships,
// but any storage layer can implement this interface.
//
// task is handed down so an implementation can register any Searcher
// handle it opens with task.AddSearcher, letting CollectTask.Kill close it
// on the terminal path. supportMoveToStart demands restartability:
// implementations that cannot naturally rewind must materialize the
// produced sequence (e.g. wrap it in a CollectingBatchIterator) rather
// than return a forward-only cursor.
type CollectSource interface {
	GetIterator(ctx context.Context, phase Phase, task *CollectTask, supportMoveToStart bool) (BatchIterator[Row], error)
}

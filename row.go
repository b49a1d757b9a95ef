package collect

// Row is an opaque ordered tuple of typed cells. It is cheap to copy a
// reference to, but the underlying storage is only valid until the
// producing iterator advances — a consumer that needs to retain a Row past
// the next MoveNext call must copy its cells into its own storage.
type Row interface {
	NumCells() int
	Cell(i int) any
}

// Rows is an in-memory Row backed directly by a cell slice. It is the
// concrete Row implementation used by tests and by CollectSource
// implementations (SystemCollectSource) that materialize data eagerly.
type Rows []any

func (r Rows) NumCells() int  { return len(r) }
func (r Rows) Cell(i int) any { return r[i] }

// Bucket is a finite ordered sequence of Row belonging to one upstream for
// one page. A Bucket is consumed at most once: the receiver either
// replaces it with EmptyBucket (exhausted upstreams, so the page-completion
// predicate keeps firing) or removes it outright (non-exhausted upstreams,
// so the slot must be refilled next page).
type Bucket interface {
	Rows() []Row
	Size() int
}

type sliceBucket struct {
	rows []Row
}

// NewBucket wraps a row slice as a Bucket.
func NewBucket(rows []Row) Bucket {
	return sliceBucket{rows: rows}
}

func (b sliceBucket) Rows() []Row { return b.rows }
func (b sliceBucket) Size() int   { return len(b.rows) }

// EmptyBucket is the sentinel substituted for an exhausted upstream's slot
// so the page stays "complete" without that upstream sending anything more.
var EmptyBucket Bucket = sliceBucket{}

// KeyIterable tags a Bucket with the originating upstream index. The merge
// algorithm uses the key both to attribute exhaustion and for tie-breaking
// in ordered merges.
type KeyIterable[K comparable] struct {
	Key    K
	Bucket Bucket
}

package extensions

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/m1gwings/treedrawer/tree"

	collect "github.com/distsql/collect"
)

// NewBucketTreeLogger returns a page listener function suitable for
// logging each resolved page's per-upstream row counts as a tree: one
// branch per upstream index, labeled with how many rows it contributed
// this page. Wire it in with collect.WithPageObserver, passed to a
// CollectTask through collect.WithReceiverOptions.
//
// Grounded on the teacher's GraphDebugExtension, which rendered its
// dependency graph with the same treedrawer NewTree/AddChild/String calls
// used here, just over a different domain (failed executors vs. bucket
// row counts).
func NewBucketTreeLogger(logger *slog.Logger, phaseName string) func([]collect.KeyIterable[int]) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(page []collect.KeyIterable[int]) {
		sorted := append([]collect.KeyIterable[int](nil), page...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

		root := tree.NewTree(tree.NodeString(fmt.Sprintf("page(%s)", phaseName)))
		total := 0
		for _, entry := range sorted {
			n := entry.Bucket.Size()
			total += n
			root.AddChild(tree.NodeString(fmt.Sprintf("upstream[%d]: %d rows", entry.Key, n)))
		}

		logger.Debug("page resolved",
			"phase", phaseName,
			"upstreams", len(sorted),
			"total_rows", total,
			"tree", root.String(),
		)
	}
}

// Package extensions holds optional, swappable TaskObserver and page
// listener implementations layered on top of the core: structured
// logging and a debug tree dump. Neither is required to run a
// CollectTask; both exist so operators get the same observability the
// teacher wired into every operation via its extension chain.
package extensions

import (
	"log/slog"

	collect "github.com/distsql/collect"
)

// LoggingObserver logs each CollectTask lifecycle transition at a level
// matched to its severity: Prepared/Started at debug, successful
// completion at info, failed completion at error. Grounded on the
// teacher's LoggingExtension.Wrap, which timed and logged every operation
// through a single log call rather than scattering log.Printf calls
// across the codebase.
type LoggingObserver struct {
	log *slog.Logger
}

// NewLoggingObserver builds a LoggingObserver writing through logger. A
// nil logger falls back to slog.Default().
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{log: logger}
}

func (o *LoggingObserver) OnPrepared(taskID, phaseName string) {
	o.log.Debug("task prepared", "task_id", taskID, "phase", phaseName)
}

func (o *LoggingObserver) OnStarted(taskID, phaseName string) {
	o.log.Debug("task started", "task_id", taskID, "phase", phaseName)
}

func (o *LoggingObserver) OnCompleted(taskID, phaseName string, rowCount int64, err error) {
	if err != nil {
		o.log.Error("task completed with error", "task_id", taskID, "phase", phaseName, "rows", rowCount, "error", err)
		return
	}
	o.log.Info("task completed", "task_id", taskID, "phase", phaseName, "rows", rowCount)
}

var _ collect.TaskObserver = (*LoggingObserver)(nil)

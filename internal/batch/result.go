package batch

import (
	"fmt"
	"strings"
	"time"

	"coursedw/internal/scd2"
)

// Result is the structured outcome of a successful run. The notification
// layer formats Summary() however it likes; the engine knows nothing about
// delivery transports.
type Result struct {
	BatchID  int64
	Mode     Mode
	Entities []scd2.Stats
	FactRows int64
	Elapsed  time.Duration
}

// VersionsInserted is the total of new versions opened across all entities
// and sources.
func (r Result) VersionsInserted() int {
	n := 0
	for _, s := range r.Entities {
		n += s.Inserted
	}
	return n
}

// VersionsClosed is the total of versions closed across all entities and
// sources.
func (r Result) VersionsClosed() int {
	n := 0
	for _, s := range r.Entities {
		n += s.Closed
	}
	return n
}

// Summary renders a human-readable per-table report.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %d (%s) completed in %s\n", r.BatchID, r.Mode, r.Elapsed.Truncate(time.Millisecond))
	for _, s := range r.Entities {
		fmt.Fprintf(&b, "  %s (source %d): inserted=%d closed=%d unchanged=%d\n",
			s.Entity, s.SourceAudit, s.Inserted, s.Closed, s.Unchanged)
	}
	fmt.Fprintf(&b, "  fact rows: %d\n", r.FactRows)
	return b.String()
}

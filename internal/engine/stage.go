// Package engine runs the revenue stages in dependency order against a store.
package engine

import (
	"context"
	"time"

	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

// Stage is one step of the engine. A stage reads the event store and the
// fields written by earlier stages, then swaps only the columns it owns.
type Stage interface {
	// Name returns the unique stage identifier (e.g., "lifecycle").
	Name() string

	// Run processes every pair at now and returns the per-pair tally.
	// Per-pair problems are tallied; only structural failures return an error.
	Run(ctx context.Context, st store.Store, now time.Time) (*report.Tally, error)
}

package harness

import (
	"time"

	"github.com/roach88/eventcore/internal/engine"
	"github.com/roach88/eventcore/internal/model"
)

// Attempt records one hand-off of an event to the event processor.
type Attempt struct {
	// Step is the 1-based order of the attempt within the run.
	Step int

	// At is the simulated time since the run started.
	At time.Duration

	Position  model.StreamPosition
	Partition model.PartitionID
	EventID   string

	// Retry is true for ReProcess calls.
	Retry bool

	// Attempts is the failed attempt count passed to ReProcess, 0 for Process.
	Attempts uint32

	Result model.ProcessingResult
}

// Kind returns "process" or "reprocess".
func (a Attempt) Kind() string {
	if a.Retry {
		return "reprocess"
	}
	return "process"
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success.
	// True if every assertion holds.
	Pass bool

	// Trace contains every attempt in order.
	Trace []Attempt

	// Suspensions contains every suspension of the loop in order.
	Suspensions []engine.Suspension

	// Final is the persisted state after the run.
	Final model.State

	// Start is the simulated time the run started at.
	Start time.Time

	// Elapsed is the simulated time the run took.
	Elapsed time.Duration

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []Attempt{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Positions returns the positions handed to the processor in order,
// restricted to partition when it is non-nil.
func (r *Result) Positions(partition *model.PartitionID) []model.StreamPosition {
	out := []model.StreamPosition{}
	for _, a := range r.Trace {
		if partition != nil && a.Partition != *partition {
			continue
		}
		out = append(out, a.Position)
	}
	return out
}

// AttemptCount returns how often the event at position was handed to the
// processor.
func (r *Result) AttemptCount(position model.StreamPosition) int {
	n := 0
	for _, a := range r.Trace {
		if a.Position == position {
			n++
		}
	}
	return n
}

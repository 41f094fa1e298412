// Package progress carries advisory progress reports from the engine to its
// caller. Reports never affect the outcome of an operation.
package progress

import "github.com/google/uuid"

// Phases reported by the engine.
const (
	PhaseStaging      = "staging"
	PhaseHashing      = "hashing"
	PhaseExtracting   = "extracting"
	PhaseInstalling   = "installing"
	PhaseUpdating     = "updating"
	PhaseUninstalling = "uninstalling"
	PhaseVerifying    = "verifying"
	PhaseRollingBack  = "rolling_back"
	PhaseDone         = "done"
)

// Callback receives progress updates. It must not block for long.
type Callback func(event Event)

// Event describes the current state of an engine operation.
type Event struct {
	Phase   string    `json:"phase"`
	FixGuid uuid.UUID `json:"fixGuid"`
	FixName string    `json:"fixName,omitempty"`
	Percent float64   `json:"percent"` // 0-100
	Current int       `json:"current"`
	Total   int       `json:"total"`
	Message string    `json:"message,omitempty"`
}

// Reporter stamps events with the fix they belong to. A nil Reporter or one
// without a callback drops every event.
type Reporter struct {
	cb      Callback
	fixGuid uuid.UUID
	fixName string
}

// NewReporter returns a Reporter for one fix.
func NewReporter(cb Callback, fixGuid uuid.UUID, fixName string) *Reporter {
	return &Reporter{cb: cb, fixGuid: fixGuid, fixName: fixName}
}

// Report sends a phase update with current of total items done.
func (r *Reporter) Report(phase string, current, total int, message string) {
	if r == nil || r.cb == nil {
		return
	}
	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	r.cb(Event{
		Phase:   phase,
		FixGuid: r.fixGuid,
		FixName: r.fixName,
		Percent: pct,
		Current: current,
		Total:   total,
		Message: message,
	})
}

// For returns a Reporter for another fix sharing the same callback.
func (r *Reporter) For(fixGuid uuid.UUID, fixName string) *Reporter {
	if r == nil {
		return nil
	}
	return NewReporter(r.cb, fixGuid, fixName)
}

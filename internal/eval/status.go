package eval

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusPending     RunStatus = "PENDING"
	StatusRunning     RunStatus = "RUNNING"
	StatusCompleted   RunStatus = "COMPLETED"
	StatusGateBlocked RunStatus = "GATE_BLOCKED"
	StatusFailed      RunStatus = "FAILED"
	StatusCancelled   RunStatus = "CANCELLED"
)

var transitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusGateBlocked, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a run in status s may move to next.
// Terminal statuses never move.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusGateBlocked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.IsTerminal()
}

// RecordsHistory reports whether a run that ended in s contributes to
// the metric history.
func (s RunStatus) RecordsHistory() bool {
	return s == StatusCompleted || s == StatusGateBlocked
}

// SourcesFor returns the statuses that may transition into next.
func SourcesFor(next RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{StatusPending, StatusRunning} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

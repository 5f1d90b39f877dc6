package attempt

import "fmt"

// Status is the persisted lifecycle state of an attempt. The candidate-facing
// "locked" and "available" states are computed at read time and never stored.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusEvaluated  Status = "evaluated"

	// StatusGraded is a legacy terminal value still present in old rows. It
	// is read exactly like evaluated and is never written anymore.
	StatusGraded Status = "graded"
)

// Candidate-facing computed states for the test overview.
const (
	OverviewLocked     = "locked"
	OverviewAvailable  = "available"
	OverviewInProgress = "in_progress"
	OverviewCompleted  = "completed"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown attempt status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusSubmitted, StatusEvaluated, StatusGraded:
		return true
	}
	return false
}

// Final reports whether candidate response writes are closed.
func (s Status) Final() bool {
	switch s {
	case StatusSubmitted, StatusEvaluated, StatusGraded:
		return true
	}
	return false
}

// Terminal reports whether the attempt carries a score and verdict.
func (s Status) Terminal() bool {
	return s == StatusEvaluated || s == StatusGraded
}

// CanTransition is the single rule set for status changes. Submission closes
// the response window, evaluation stamps score and verdict, and re-evaluation
// re-runs the evaluated state onto itself. Nothing ever moves backwards.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusInProgress:
		return to == StatusSubmitted
	case StatusSubmitted:
		return to == StatusEvaluated
	case StatusEvaluated:
		return to == StatusEvaluated
	case StatusGraded:
		// Legacy terminal rows may still be re-evaluated.
		return to == StatusEvaluated
	}
	return false
}

package evaluation

import (
	"math"

	"assessportal/internal/question"
)

// Award is one human point assignment for one question of an attempt.
type Award struct {
	QuestionID int64  `json:"question_id"`
	Points     int    `json:"points"`
	Feedback   string `json:"feedback,omitempty"`
}

// Outcome is the aggregate result written onto the attempt.
type Outcome struct {
	TotalPoints int  `json:"total_points"`
	MaxPoints   int  `json:"max_points"`
	Percentage  int  `json:"percentage"`
	Passed      bool `json:"passed"`
}

// ClampPoints bounds a point award to [0, max]. Out-of-range input is
// clamped, never rejected.
func ClampPoints(points, max int) int {
	if max < 0 {
		max = 0
	}
	if points < 0 {
		return 0
	}
	if points > max {
		return max
	}
	return points
}

// ComputeOutcome derives percentage and verdict from the per-question points
// over the full question set of the test. A zero attainable maximum scores
// 0%, not a division error.
func ComputeOutcome(pointsByQuestion map[int64]int, questions []question.Question, passingScore int) Outcome {
	total := 0
	max := 0
	for _, q := range questions {
		max += q.MaxPoints
		total += ClampPoints(pointsByQuestion[q.ID], q.MaxPoints)
	}

	percentage := 0
	if max > 0 {
		percentage = int(math.Round(100 * float64(total) / float64(max)))
	}

	return Outcome{
		TotalPoints: total,
		MaxPoints:   max,
		Percentage:  percentage,
		Passed:      percentage >= passingScore,
	}
}

// NeedsReview partitions the grading view: anything not machine-scored, or
// machine-scored short of full points, still wants human eyes.
func NeedsReview(autoScored bool, points, maxPoints int) bool {
	return !autoScored || points < maxPoints
}

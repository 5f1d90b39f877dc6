package attempt

import (
	"strings"

	"assessportal/internal/question"
)

// AutoScore is the objective pass for one response. Points is only
// meaningful when Scored is true; an unscored response keeps whatever
// points it already has.
type AutoScore struct {
	Points int
	Scored bool
}

// ScoreResponse compares a candidate answer against the question's answer
// key. Only multiple-choice questions are ever machine scored: trimmed,
// case-sensitive equality earns the full point value. Free-text answers
// always wait for a human.
func ScoreResponse(questionType, answerText, correctAnswer string, maxPoints int) AutoScore {
	if questionType != question.TypeMCQ {
		return AutoScore{}
	}

	key := strings.TrimSpace(correctAnswer)
	if key == "" {
		return AutoScore{}
	}

	if strings.TrimSpace(answerText) != key {
		return AutoScore{}
	}

	points := maxPoints
	if points < 0 {
		points = 0
	}
	return AutoScore{Points: points, Scored: true}
}

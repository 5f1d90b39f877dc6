// Package question is the read side of the question bank: the ordered
// question set of a test plus the shape rules content administration must
// satisfy. Authoring itself lives in the external content-management tool.
package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeMCQ  = "mcq"
	TypeText = "text"
)

var (
	ErrInvalidQuestion = errors.New("invalid question")
)

type Question struct {
	ID            int64    `json:"id"`
	TestID        int64    `json:"test_id"`
	Number        int      `json:"question_number"`
	Text          string   `json:"question_text"`
	Type          string   `json:"question_type"`
	MaxPoints     int      `json:"max_points"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correct_answer,omitempty"`
}

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// LoadForTest returns the test's questions ordered by question number.
func LoadForTest(ctx context.Context, q queryable, testID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, test_id, question_number, question_text, question_type,
			max_points, options, correct_answer
		FROM test_questions
		WHERE test_id = $1
		ORDER BY question_number
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query test questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		var (
			item       Question
			optionsRaw []byte
			correct    sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.TestID, &item.Number, &item.Text, &item.Type, &item.MaxPoints, &optionsRaw, &correct); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if len(optionsRaw) > 0 {
			if err := json.Unmarshal(optionsRaw, &item.Options); err != nil {
				return nil, fmt.Errorf("decode question options: %w", err)
			}
		}
		if correct.Valid {
			item.CorrectAnswer = correct.String
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// MaxPointsTotal sums the attainable points of a question set.
func MaxPointsTotal(questions []Question) int {
	total := 0
	for _, q := range questions {
		total += q.MaxPoints
	}
	return total
}

// Validate enforces the bank's shape rules: a usable number and text, a
// non-negative point value, and for multiple choice an option set that
// contains the answer key. Free-text questions carry no options; their
// correct answer is only an evaluator hint.
func Validate(q Question) error {
	if q.Number <= 0 {
		return fmt.Errorf("%w: question number must be positive", ErrInvalidQuestion)
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question text is required", ErrInvalidQuestion)
	}
	if q.MaxPoints < 0 {
		return fmt.Errorf("%w: max points must not be negative", ErrInvalidQuestion)
	}

	switch q.Type {
	case TypeMCQ:
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: mcq needs at least two options", ErrInvalidQuestion)
		}
		key := strings.TrimSpace(q.CorrectAnswer)
		if key == "" {
			return fmt.Errorf("%w: mcq needs a correct answer", ErrInvalidQuestion)
		}
		for _, opt := range q.Options {
			if strings.TrimSpace(opt) == key {
				return nil
			}
		}
		return fmt.Errorf("%w: correct answer must equal one of the options", ErrInvalidQuestion)
	case TypeText:
		if len(q.Options) > 0 {
			return fmt.Errorf("%w: free-text question must not carry options", ErrInvalidQuestion)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown question type %q", ErrInvalidQuestion, q.Type)
	}
}

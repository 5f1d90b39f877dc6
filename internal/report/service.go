package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrTestNotFound = errors.New("test not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// TestSummary aggregates finished attempts of one test. Attempts still in
// flight are excluded; legacy graded rows count the same as evaluated ones.
type TestSummary struct {
	TestID       int64   `json:"test_id"`
	Title        string  `json:"title"`
	PassingScore int     `json:"passing_score"`
	Participants int     `json:"participants"`
	Evaluated    int     `json:"evaluated"`
	AverageScore float64 `json:"average_score"`
	PassRate     float64 `json:"pass_rate"`
}

func (s *Service) SummaryByTest(ctx context.Context, testID int64) (*TestSummary, error) {
	summary := &TestSummary{TestID: testID}

	err := s.db.QueryRowContext(ctx, `
		SELECT title, passing_score FROM tests WHERE id = $1
	`, testID).Scan(&summary.Title, &summary.PassingScore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}

	var (
		avg      sql.NullFloat64
		passRate sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT user_id),
			COUNT(*) FILTER (WHERE status IN ('evaluated', 'graded')),
			AVG(score) FILTER (WHERE status IN ('evaluated', 'graded')),
			AVG(CASE WHEN passed THEN 1.0 ELSE 0.0 END)
				FILTER (WHERE status IN ('evaluated', 'graded'))
		FROM test_attempts
		WHERE test_id = $1
	`, testID).Scan(&summary.Participants, &summary.Evaluated, &avg, &passRate)
	if err != nil {
		return nil, fmt.Errorf("aggregate attempts: %w", err)
	}
	if avg.Valid {
		summary.AverageScore = avg.Float64
	}
	if passRate.Valid {
		summary.PassRate = passRate.Float64
	}

	return summary, nil
}

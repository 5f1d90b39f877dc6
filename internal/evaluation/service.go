package evaluation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assessportal/internal/attempt"
	"assessportal/internal/question"
)

var (
	ErrAttemptNotFound       = errors.New("attempt not found")
	ErrAttemptNotEvaluable   = errors.New("attempt is not ready for evaluation")
	ErrAttemptNotReevaluable = errors.New("attempt is not eligible for re-evaluation")
	ErrVersionConflict       = errors.New("attempt was changed by another evaluation")
	ErrUnknownQuestion       = errors.New("award references a question outside the test")
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ResponseView is one question of the grading screen, joined with whatever
// the candidate answered. ResponseID is nil when the candidate never touched
// the question.
type ResponseView struct {
	ResponseID     *int64   `json:"response_id,omitempty"`
	QuestionID     int64    `json:"question_id"`
	QuestionNumber int      `json:"question_number"`
	QuestionText   string   `json:"question_text"`
	QuestionType   string   `json:"question_type"`
	MaxPoints      int      `json:"max_points"`
	Options        []string `json:"options,omitempty"`
	CorrectAnswer  string   `json:"correct_answer,omitempty"`
	AnswerText     string   `json:"answer_text"`
	PointsAwarded  int      `json:"points_awarded"`
	AutoScored     bool     `json:"auto_scored"`
	NeedsReview    bool     `json:"needs_review"`
}

// AttemptView is the grading screen for one attempt. Version is the token
// the subsequent save must echo back.
type AttemptView struct {
	AttemptID    int64          `json:"attempt_id"`
	TestID       int64          `json:"test_id"`
	CandidateID  int64          `json:"candidate_id"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	SubmittedAt  *time.Time     `json:"submitted_at,omitempty"`
	Score        *int           `json:"score,omitempty"`
	Passed       *bool          `json:"passed,omitempty"`
	PassingScore int            `json:"passing_score"`
	MaxPoints    int            `json:"max_points"`
	Version      int64          `json:"version"`
	Responses    []ResponseView `json:"responses"`
}

type SaveInput struct {
	AttemptID   int64
	EvaluatorID int64
	Version     int64
	Awards      []Award
}

// Result is what a successful evaluation save hands back: the attempt's new
// aggregate state, consistent with its response rows at that instant.
type Result struct {
	AttemptID   int64  `json:"attempt_id"`
	Status      string `json:"status"`
	Score       int    `json:"score"`
	Passed      bool   `json:"passed"`
	TotalPoints int    `json:"total_points"`
	MaxPoints   int    `json:"max_points"`
	Version     int64  `json:"version"`
}

// Record is one row of the append-only evaluation audit trail.
type Record struct {
	ID          int64     `json:"id"`
	ResponseID  int64     `json:"response_id"`
	AttemptID   int64     `json:"attempt_id"`
	QuestionID  int64     `json:"question_id"`
	EvaluatorID int64     `json:"evaluator_id"`
	Points      int       `json:"points_awarded"`
	Feedback    string    `json:"feedback,omitempty"`
	IsFinal     bool      `json:"is_final"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

type attemptRow struct {
	ID           int64
	TestID       int64
	UserID       int64
	Status       attempt.Status
	StartedAt    time.Time
	SubmittedAt  sql.NullTime
	Score        sql.NullInt64
	Passed       sql.NullBool
	Version      int64
	PassingScore int
}

type responseRow struct {
	ID         int64
	QuestionID int64
	AnswerText string
	Points     int
	AutoScored bool
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// OpenAttempt builds the grading view. With failedOnly set, only questions
// that contributed to a failing outcome (awarded below max) are listed; that
// is the manager re-evaluation default and purely a display filter.
func (s *Service) OpenAttempt(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if !row.Status.Final() {
		return nil, ErrAttemptNotEvaluable
	}

	questions, err := question.LoadForTest(ctx, s.db, row.TestID)
	if err != nil {
		return nil, err
	}
	responses, err := s.loadResponses(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}

	view := &AttemptView{
		AttemptID:    row.ID,
		TestID:       row.TestID,
		CandidateID:  row.UserID,
		Status:       string(row.Status),
		StartedAt:    row.StartedAt,
		PassingScore: row.PassingScore,
		MaxPoints:    question.MaxPointsTotal(questions),
		Version:      row.Version,
		Responses:    make([]ResponseView, 0, len(questions)),
	}
	if row.SubmittedAt.Valid {
		view.SubmittedAt = &row.SubmittedAt.Time
	}
	if row.Score.Valid {
		v := int(row.Score.Int64)
		view.Score = &v
	}
	if row.Passed.Valid {
		v := row.Passed.Bool
		view.Passed = &v
	}

	for _, q := range questions {
		item := ResponseView{
			QuestionID:     q.ID,
			QuestionNumber: q.Number,
			QuestionText:   q.Text,
			QuestionType:   q.Type,
			MaxPoints:      q.MaxPoints,
			Options:        q.Options,
			CorrectAnswer:  q.CorrectAnswer,
		}
		if resp, ok := responses[q.ID]; ok {
			id := resp.ID
			item.ResponseID = &id
			item.AnswerText = resp.AnswerText
			item.PointsAwarded = resp.Points
			item.AutoScored = resp.AutoScored
		}
		item.NeedsReview = NeedsReview(item.AutoScored, item.PointsAwarded, q.MaxPoints)

		if failedOnly && item.PointsAwarded >= q.MaxPoints {
			continue
		}
		view.Responses = append(view.Responses, item)
	}

	return view, nil
}

// SaveEvaluation is the only path that moves an attempt to evaluated. All
// response overwrites, audit inserts, and the attempt's score/verdict/status
// update commit as one transaction, or not at all.
func (s *Service) SaveEvaluation(ctx context.Context, in SaveInput) (*Result, error) {
	return s.save(ctx, in, false)
}

// SaveReevaluation is the manager's second pass over a failed, already
// evaluated attempt. Same write path and same formula as SaveEvaluation;
// only the eligibility gate differs.
func (s *Service) SaveReevaluation(ctx context.Context, in SaveInput) (*Result, error) {
	return s.save(ctx, in, true)
}

func (s *Service) save(ctx context.Context, in SaveInput, reevaluation bool) (*Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := s.loadAttemptRowForUpdate(ctx, tx, in.AttemptID)
	if err != nil {
		return nil, err
	}

	if !attempt.CanTransition(row.Status, attempt.StatusEvaluated) {
		return nil, ErrAttemptNotEvaluable
	}
	if reevaluation {
		if !row.Status.Terminal() || !row.Passed.Valid || row.Passed.Bool {
			return nil, ErrAttemptNotReevaluable
		}
	}
	if in.Version != row.Version {
		return nil, ErrVersionConflict
	}

	questions, err := question.LoadForTest(ctx, tx, row.TestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]question.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	awards := make(map[int64]Award, len(in.Awards))
	for _, a := range in.Awards {
		if _, ok := byID[a.QuestionID]; !ok {
			return nil, ErrUnknownQuestion
		}
		awards[a.QuestionID] = a
	}

	responses, err := s.loadResponses(ctx, tx, row.ID)
	if err != nil {
		return nil, err
	}

	pointsByQuestion := make(map[int64]int, len(questions))
	for _, q := range questions {
		if resp, ok := responses[q.ID]; ok {
			pointsByQuestion[q.ID] = resp.Points
		}
	}

	// Walk the question order so audit rows land deterministically.
	for _, q := range questions {
		award, ok := awards[q.ID]
		if !ok {
			continue
		}
		clamped := ClampPoints(award.Points, q.MaxPoints)

		resp, ok := responses[q.ID]
		if !ok {
			// The candidate never autosaved this question; create the empty
			// response now so the audit row has something to reference.
			var id int64
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO test_responses (attempt_id, question_id, answer_text)
				VALUES ($1, $2, '')
				RETURNING id
			`, row.ID, q.ID).Scan(&id); err != nil {
				return nil, fmt.Errorf("insert blank response: %w", err)
			}
			resp = responseRow{ID: id, QuestionID: q.ID}
			responses[q.ID] = resp
		}

		if clamped != resp.Points {
			// A human changed the value, so the machine no longer owns it.
			if _, err := tx.ExecContext(ctx, `
				UPDATE test_responses
				SET points_awarded = $2,
					auto_scored = FALSE,
					updated_at = now()
				WHERE id = $1
			`, resp.ID, clamped); err != nil {
				return nil, fmt.Errorf("update response points: %w", err)
			}
		}

		feedback := sql.NullString{String: award.Feedback, Valid: award.Feedback != ""}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations (
				response_id, attempt_id, evaluator_id,
				points_awarded, feedback, is_final
			) VALUES ($1, $2, $3, $4, $5, TRUE)
		`, resp.ID, row.ID, in.EvaluatorID, clamped, feedback); err != nil {
			return nil, fmt.Errorf("append evaluation record: %w", err)
		}

		pointsByQuestion[q.ID] = clamped
	}

	outcome := ComputeOutcome(pointsByQuestion, questions, row.PassingScore)

	var newVersion int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE test_attempts
		SET status = 'evaluated',
			score = $2,
			passed = $3,
			version = version + 1
		WHERE id = $1
		RETURNING version
	`, row.ID, outcome.Percentage, outcome.Passed).Scan(&newVersion); err != nil {
		return nil, fmt.Errorf("update attempt outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit evaluation: %w", err)
	}

	return &Result{
		AttemptID:   row.ID,
		Status:      string(attempt.StatusEvaluated),
		Score:       outcome.Percentage,
		Passed:      outcome.Passed,
		TotalPoints: outcome.TotalPoints,
		MaxPoints:   outcome.MaxPoints,
		Version:     newVersion,
	}, nil
}

// ListEvaluations returns the attempt's full audit history, newest first.
// Rows are never edited or deleted; every save appends.
func (s *Service) ListEvaluations(ctx context.Context, attemptID int64) ([]Record, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM test_attempts WHERE id = $1)
	`, attemptID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check attempt: %w", err)
	}
	if !exists {
		return nil, ErrAttemptNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.response_id, e.attempt_id, r.question_id, e.evaluator_id,
			e.points_awarded, e.feedback, e.is_final, e.evaluated_at
		FROM evaluations e
		JOIN test_responses r ON r.id = e.response_id
		WHERE e.attempt_id = $1
		ORDER BY e.evaluated_at DESC, e.id DESC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec      Record
			feedback sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ResponseID, &rec.AttemptID, &rec.QuestionID, &rec.EvaluatorID, &rec.Points, &feedback, &rec.IsFinal, &rec.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation record: %w", err)
		}
		if feedback.Valid {
			rec.Feedback = feedback.String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluation records: %w", err)
	}
	return out, nil
}

const attemptColumns = `
	a.id,
	a.test_id,
	a.user_id,
	a.status,
	a.started_at,
	a.submitted_at,
	a.score,
	a.passed,
	a.version,
	t.passing_score
`

func scanAttemptRow(scan func(dest ...interface{}) error) (*attemptRow, error) {
	row := &attemptRow{}
	var raw string
	if err := scan(
		&row.ID,
		&row.TestID,
		&row.UserID,
		&raw,
		&row.StartedAt,
		&row.SubmittedAt,
		&row.Score,
		&row.Passed,
		&row.Version,
		&row.PassingScore,
	); err != nil {
		return nil, err
	}
	status, err := attempt.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	row.Status = status
	return row, nil
}

func (s *Service) loadAttemptRow(ctx context.Context, q queryable, attemptID int64) (*attemptRow, error) {
	sqlRow := q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM test_attempts a
		JOIN tests t ON t.id = a.test_id
		WHERE a.id = $1
	`, attemptID)
	row, err := scanAttemptRow(sqlRow.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return row, nil
}

func (s *Service) loadAttemptRowForUpdate(ctx context.Context, tx *sql.Tx, attemptID int64) (*attemptRow, error) {
	sqlRow := tx.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM test_attempts a
		JOIN tests t ON t.id = a.test_id
		WHERE a.id = $1
		FOR UPDATE OF a
	`, attemptID)
	row, err := scanAttemptRow(sqlRow.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt for update: %w", err)
	}
	return row, nil
}

func (s *Service) loadResponses(ctx context.Context, q queryable, attemptID int64) (map[int64]responseRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, question_id, answer_text, points_awarded, auto_scored
		FROM test_responses
		WHERE attempt_id = $1
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]responseRow)
	for rows.Next() {
		var r responseRow
		if err := rows.Scan(&r.ID, &r.QuestionID, &r.AnswerText, &r.Points, &r.AutoScored); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out[r.QuestionID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

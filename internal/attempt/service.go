package attempt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assessportal/internal/question"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrTestNotFound       = errors.New("test not found")
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrAttemptNotEditable = errors.New("attempt is not editable")
	ErrQuestionNotInTest  = errors.New("question not in test")
	ErrAttemptForbidden   = errors.New("attempt forbidden")
	ErrPrerequisiteLocked = errors.New("previous test in sequence not completed")
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

type Attempt struct {
	ID            int64      `json:"id"`
	TestID        int64      `json:"test_id"`
	UserID        int64      `json:"user_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	Score         *int       `json:"score,omitempty"`
	Passed        *bool      `json:"passed,omitempty"`
	RemainingSecs *int64     `json:"remaining_secs,omitempty"`
}

type AttemptSummary struct {
	Attempt
	TotalQuestions int `json:"total_questions"`
	Answered       int `json:"answered"`
}

type SaveAnswerInput struct {
	AttemptID  int64
	QuestionID int64
	AnswerText string
}

type TestOverviewItem struct {
	TestID           int64  `json:"test_id"`
	Title            string `json:"title"`
	TestNumber       int    `json:"test_number"`
	TimeLimitMinutes *int   `json:"time_limit_minutes,omitempty"`
	PassingScore     int    `json:"passing_score"`
	Status           string `json:"status"`
	Score            *int   `json:"score,omitempty"`
	Passed           *bool  `json:"passed,omitempty"`
}

type attemptRow struct {
	ID               int64
	TestID           int64
	UserID           int64
	Status           Status
	StartedAt        time.Time
	SubmittedAt      sql.NullTime
	Score            sql.NullInt64
	Passed           sql.NullBool
	Version          int64
	TimeLimitMinutes sql.NullInt64
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// StartAttempt resumes the candidate's in-progress attempt for the test, or
// creates one. The sequence prerequisite is checked inside the same
// transaction as the insert, so a crafted request cannot skip ahead of the
// gating the overview shows.
func (s *Service) StartAttempt(ctx context.Context, testID, userID int64) (*Attempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		testNumber int
		limit      sql.NullInt64
		isActive   bool
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT test_number, time_limit_minutes, is_active
		FROM tests
		WHERE id = $1
	`, testID).Scan(&testNumber, &limit, &isActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}
	if !isActive {
		return nil, ErrTestNotFound
	}

	existing, err := s.loadInProgressByPair(ctx, tx, testID, userID)
	if err == nil {
		a := attemptFromRow(existing)
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit start resume: %w", err)
		}
		return a, nil
	}
	if !errors.Is(err, ErrAttemptNotFound) {
		return nil, err
	}

	if testNumber > 1 {
		var done bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM test_attempts a
				JOIN tests t ON t.id = a.test_id
				WHERE a.user_id = $1
				  AND t.test_number = $2
				  AND a.status IN ('submitted', 'evaluated', 'graded')
			)
		`, userID, testNumber-1).Scan(&done); err != nil {
			return nil, fmt.Errorf("check prerequisite: %w", err)
		}
		if !done {
			return nil, ErrPrerequisiteLocked
		}
	}

	row := &attemptRow{
		TestID:           testID,
		UserID:           userID,
		Status:           StatusInProgress,
		TimeLimitMinutes: limit,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO test_attempts (test_id, user_id, status, started_at)
		VALUES ($1, $2, 'in_progress', now())
		RETURNING id, started_at
	`, testID, userID).Scan(&row.ID, &row.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent open created the attempt first; hand that one back.
			_ = tx.Rollback()
			winner, loadErr := s.loadInProgressByPair(ctx, s.db, testID, userID)
			if loadErr != nil {
				return nil, fmt.Errorf("load concurrent attempt: %w", loadErr)
			}
			return attemptFromRow(winner), nil
		}
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit start: %w", err)
	}
	return attemptFromRow(row), nil
}

// GetAttemptSummary returns the attempt with derived remaining time and
// answer progress. An in-progress attempt whose time limit has run out is
// auto-submitted first, so the caller never sees a stale timer.
func (s *Service) GetAttemptSummary(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}

	if row.Status == StatusInProgress && expired(row, time.Now()) {
		if _, err := s.finalize(ctx, attemptID, true); err != nil {
			return nil, err
		}
		row, err = s.loadAttemptRow(ctx, s.db, attemptID)
		if err != nil {
			return nil, err
		}
	}

	return s.buildSummary(ctx, s.db, row)
}

// SaveAnswer upserts the candidate's answer for one question. Safe to call
// repeatedly for the same question; the (attempt, question) pair stays
// unique. Writes are rejected once the attempt is no longer in progress.
func (s *Service) SaveAnswer(ctx context.Context, in SaveAnswerInput) error {
	row, err := s.loadAttemptRow(ctx, s.db, in.AttemptID)
	if err != nil {
		return err
	}

	if row.Status != StatusInProgress {
		return ErrAttemptNotEditable
	}
	if expired(row, time.Now()) {
		_, _ = s.finalize(ctx, in.AttemptID, true)
		return ErrAttemptNotEditable
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM test_questions
			WHERE test_id = $1 AND id = $2
		)
	`, row.TestID, in.QuestionID).Scan(&exists); err != nil {
		return fmt.Errorf("validate question in test: %w", err)
	}
	if !exists {
		return ErrQuestionNotInTest
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_responses (attempt_id, question_id, answer_text, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET
			answer_text = EXCLUDED.answer_text,
			updated_at = now()
	`, in.AttemptID, in.QuestionID, in.AnswerText)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

func (s *Service) SubmitAttempt(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	return s.finalize(ctx, attemptID, false)
}

func (s *Service) GetAttemptOwner(ctx context.Context, attemptID int64) (int64, error) {
	var userID int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM test_attempts
		WHERE id = $1
	`, attemptID).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAttemptNotFound
		}
		return 0, fmt.Errorf("load attempt owner: %w", err)
	}
	return userID, nil
}

// ListTestsForCandidate computes the candidate-facing state of every active
// test: completed, in_progress, available, or locked behind the previous
// test in the sequence.
func (s *Service) ListTestsForCandidate(ctx context.Context, userID int64) ([]TestOverviewItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, test_number, time_limit_minutes, passing_score
		FROM tests
		WHERE is_active = TRUE
		ORDER BY test_number
	`)
	if err != nil {
		return nil, fmt.Errorf("query active tests: %w", err)
	}
	defer rows.Close()

	items := make([]TestOverviewItem, 0)
	for rows.Next() {
		var (
			item  TestOverviewItem
			limit sql.NullInt64
		)
		if err := rows.Scan(&item.TestID, &item.Title, &item.TestNumber, &limit, &item.PassingScore); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		if limit.Valid {
			v := int(limit.Int64)
			item.TimeLimitMinutes = &v
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tests: %w", err)
	}

	type attemptState struct {
		status Status
		score  sql.NullInt64
		passed sql.NullBool
	}
	byTest := make(map[int64]attemptState)

	arows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (test_id) test_id, status, score, passed
		FROM test_attempts
		WHERE user_id = $1
		ORDER BY test_id, started_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query candidate attempts: %w", err)
	}
	defer arows.Close()

	for arows.Next() {
		var (
			testID int64
			raw    string
			st     attemptState
		)
		if err := arows.Scan(&testID, &raw, &st.score, &st.passed); err != nil {
			return nil, fmt.Errorf("scan candidate attempt: %w", err)
		}
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("candidate attempt: %w", err)
		}
		st.status = status
		byTest[testID] = st
	}
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate attempts: %w", err)
	}

	numberDone := make(map[int]bool, len(items))
	for i := range items {
		if st, ok := byTest[items[i].TestID]; ok && st.status.Final() {
			numberDone[items[i].TestNumber] = true
		}
	}

	for i := range items {
		item := &items[i]
		st, ok := byTest[item.TestID]
		if ok {
			if st.score.Valid {
				v := int(st.score.Int64)
				item.Score = &v
			}
			if st.passed.Valid {
				v := st.passed.Bool
				item.Passed = &v
			}
			if st.status.Final() {
				item.Status = OverviewCompleted
				continue
			}
			if st.status == StatusInProgress {
				item.Status = OverviewInProgress
				continue
			}
		}
		if item.TestNumber > 1 && hasTestNumber(items, item.TestNumber-1) && !numberDone[item.TestNumber-1] {
			item.Status = OverviewLocked
			continue
		}
		item.Status = OverviewAvailable
	}

	return items, nil
}

// finalize is the only in_progress -> submitted path. When expiredOnly is
// set it is a no-op unless the attempt's deadline has passed; either way it
// is idempotent on an already-final attempt. Auto-scoring of multiple-choice
// responses runs here, in the same transaction as the status change, so
// response state never lags the answer keys.
func (s *Service) finalize(ctx context.Context, attemptID int64, expiredOnly bool) (*AttemptSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := s.loadAttemptRowForUpdate(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}

	if row.Status != StatusInProgress {
		summary, err := s.buildSummary(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit submit noop: %w", err)
		}
		return summary, nil
	}

	now := time.Now()
	dl := deadline(row)
	if expiredOnly && (dl == nil || now.Before(*dl)) {
		summary, err := s.buildSummary(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit submit noop: %w", err)
		}
		return summary, nil
	}

	if !CanTransition(row.Status, StatusSubmitted) {
		return nil, fmt.Errorf("attempt %d: illegal transition %s -> %s", row.ID, row.Status, StatusSubmitted)
	}

	if err := s.autoScoreResponses(ctx, tx, row); err != nil {
		return nil, err
	}

	submittedAt := now
	if dl != nil && now.After(*dl) {
		// Timer ran out before the submit landed; pin the submission to the
		// deadline rather than whenever the next request happened to arrive.
		submittedAt = *dl
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE test_attempts
		SET status = 'submitted',
			submitted_at = $2,
			version = version + 1
		WHERE id = $1
	`, row.ID, submittedAt); err != nil {
		return nil, fmt.Errorf("update attempt submitted: %w", err)
	}

	row, err = s.loadAttemptRowForUpdate(ctx, tx, row.ID)
	if err != nil {
		return nil, err
	}
	summary, err := s.buildSummary(ctx, tx, row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return summary, nil
}

func (s *Service) autoScoreResponses(ctx context.Context, tx *sql.Tx, row *attemptRow) error {
	questions, err := question.LoadForTest(ctx, tx, row.TestID)
	if err != nil {
		return err
	}

	type respRow struct {
		id     int64
		answer string
	}
	responses := make(map[int64]respRow)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, question_id, answer_text
		FROM test_responses
		WHERE attempt_id = $1
	`, row.ID)
	if err != nil {
		return fmt.Errorf("query responses for scoring: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r   respRow
			qid int64
		)
		if err := rows.Scan(&r.id, &qid, &r.answer); err != nil {
			return fmt.Errorf("scan response for scoring: %w", err)
		}
		responses[qid] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate responses for scoring: %w", err)
	}

	for _, q := range questions {
		resp, ok := responses[q.ID]
		if !ok {
			continue
		}
		result := ScoreResponse(q.Type, resp.answer, q.CorrectAnswer, q.MaxPoints)
		if !result.Scored {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE test_responses
			SET points_awarded = $2,
				auto_scored = TRUE,
				updated_at = now()
			WHERE id = $1
		`, resp.id, result.Points); err != nil {
			return fmt.Errorf("mark response auto-scored: %w", err)
		}
	}
	return nil
}

func (s *Service) buildSummary(ctx context.Context, q queryable, row *attemptRow) (*AttemptSummary, error) {
	var totalQuestions int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM test_questions
		WHERE test_id = $1
	`, row.TestID).Scan(&totalQuestions); err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}

	var answered int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM test_responses
		WHERE attempt_id = $1 AND btrim(answer_text) <> ''
	`, row.ID).Scan(&answered); err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	if answered > totalQuestions {
		answered = totalQuestions
	}

	return &AttemptSummary{
		Attempt:        *attemptFromRow(row),
		TotalQuestions: totalQuestions,
		Answered:       answered,
	}, nil
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
	t.time_limit_minutes
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
		&row.TimeLimitMinutes,
	); err != nil {
		return nil, err
	}
	status, err := ParseStatus(raw)
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

func (s *Service) loadInProgressByPair(ctx context.Context, q queryable, testID, userID int64) (*attemptRow, error) {
	sqlRow := q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM test_attempts a
		JOIN tests t ON t.id = a.test_id
		WHERE a.test_id = $1 AND a.user_id = $2 AND a.status = 'in_progress'
	`, testID, userID)
	row, err := scanAttemptRow(sqlRow.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load in-progress attempt: %w", err)
	}
	return row, nil
}

func attemptFromRow(row *attemptRow) *Attempt {
	a := &Attempt{
		ID:        row.ID,
		TestID:    row.TestID,
		UserID:    row.UserID,
		Status:    string(row.Status),
		StartedAt: row.StartedAt,
	}
	if row.SubmittedAt.Valid {
		a.SubmittedAt = &row.SubmittedAt.Time
	}
	if row.Score.Valid {
		v := int(row.Score.Int64)
		a.Score = &v
	}
	if row.Passed.Valid {
		v := row.Passed.Bool
		a.Passed = &v
	}
	a.RemainingSecs = remainingSeconds(row, time.Now())
	return a
}

// deadline is started_at plus the test's time limit; nil when untimed.
func deadline(row *attemptRow) *time.Time {
	if !row.TimeLimitMinutes.Valid {
		return nil
	}
	t := row.StartedAt.Add(time.Duration(row.TimeLimitMinutes.Int64) * time.Minute)
	return &t
}

// remainingSeconds is derived on every load, never stored, so a resumed
// attempt always sees a correctly decremented timer.
func remainingSeconds(row *attemptRow, now time.Time) *int64 {
	if row.Status != StatusInProgress {
		return nil
	}
	dl := deadline(row)
	if dl == nil {
		return nil
	}
	remaining := int64(dl.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

func expired(row *attemptRow, now time.Time) bool {
	dl := deadline(row)
	return dl != nil && now.After(*dl)
}

func hasTestNumber(items []TestOverviewItem, number int) bool {
	for _, it := range items {
		if it.TestNumber == number {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

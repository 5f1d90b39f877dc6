package db

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the portal tables when they do not exist yet. The
// partial unique index is what backs the one-in-progress-attempt-per-
// candidate-and-test invariant; attempt creation relies on it.
func EnsureSchema(ctx context.Context, conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tests (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		test_number INT NOT NULL,
		time_limit_minutes INT,
		passing_score INT NOT NULL DEFAULT 70,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS test_questions (
		id BIGSERIAL PRIMARY KEY,
		test_id BIGINT NOT NULL REFERENCES tests(id),
		question_number INT NOT NULL,
		question_text TEXT NOT NULL,
		question_type TEXT NOT NULL,
		max_points INT NOT NULL DEFAULT 10,
		options JSONB,
		correct_answer TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (test_id, question_number)
	);

	CREATE TABLE IF NOT EXISTS test_attempts (
		id BIGSERIAL PRIMARY KEY,
		test_id BIGINT NOT NULL REFERENCES tests(id),
		user_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		submitted_at TIMESTAMPTZ,
		score INT,
		passed BOOLEAN,
		version BIGINT NOT NULL DEFAULT 0,
		is_locked BOOLEAN,
		locked_by BIGINT,
		locked_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS test_attempts_one_in_progress
		ON test_attempts (test_id, user_id)
		WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS test_responses (
		id BIGSERIAL PRIMARY KEY,
		attempt_id BIGINT NOT NULL REFERENCES test_attempts(id),
		question_id BIGINT NOT NULL REFERENCES test_questions(id),
		answer_text TEXT NOT NULL DEFAULT '',
		points_awarded INT NOT NULL DEFAULT 0,
		auto_scored BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (attempt_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id BIGSERIAL PRIMARY KEY,
		response_id BIGINT NOT NULL REFERENCES test_responses(id),
		attempt_id BIGINT NOT NULL REFERENCES test_attempts(id),
		evaluator_id BIGINT NOT NULL,
		points_awarded INT NOT NULL,
		feedback TEXT,
		is_final BOOLEAN NOT NULL DEFAULT TRUE,
		evaluated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS evaluations_attempt_idx ON evaluations (attempt_id);
	`

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

package task

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Repository is the durable task store. Every transition is a guarded
// UPDATE whose WHERE clause names the statuses it may leave from, so a
// redelivered message can never drag a task out of a terminal state.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new pending task.
func (r *Repository) Create(ctx context.Context, t *Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, model_id, filename, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, t.ID, t.UserID, t.ModelID, t.Filename, string(StatusPending))
	return err
}

// GetByID returns one task.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	var t Task
	err := r.db.GetContext(ctx, &t, `
		SELECT id, user_id, model_id, filename, status, credits_charged, output_text, error_message, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByUser returns a user's tasks, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Task, error) {
	tasks := []Task{}
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT id, user_id, model_id, filename, status, credits_charged, output_text, error_message, created_at, updated_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return tasks, err
}

// MarkInProgress transitions pending -> in_progress. Calling it again while
// the task is in_progress is a no-op; calling it on a terminal task returns
// ErrInvalidTransition (a late or duplicate dispatch).
func (r *Repository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $2)
	`, id, string(StatusInProgress), string(StatusPending))
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, res)
}

// Complete transitions a non-terminal task to done, recording the recognized
// output and the credits charged for it. Duplicate completions return
// ErrInvalidTransition.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, outputText string, creditsCharged decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, output_text = $3, credits_charged = $4, error_message = NULL, updated_at = now()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, string(StatusDone), outputText, creditsCharged, string(StatusPending), string(StatusInProgress))
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, res)
}

// Fail transitions a non-terminal task to error. Failing an already-failed
// task is a no-op; failing a done task returns ErrInvalidTransition.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, errorMessage string) error {
	if len(errorMessage) > 2000 {
		errorMessage = errorMessage[:2000]
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, output_text = NULL, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, string(StatusError), errorMessage, string(StatusPending), string(StatusInProgress))
	if err != nil {
		return err
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusError {
		return nil
	}
	return ErrInvalidTransition
}

func (r *Repository) checkTransition(ctx context.Context, id uuid.UUID, res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}

	// No row moved: either the task does not exist or it is terminal.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

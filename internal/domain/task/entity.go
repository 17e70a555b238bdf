package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the task lifecycle state. Transitions are one-directional:
// pending -> in_progress -> {done, error}. Done and error are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Task is one recognition request and its outcome.
type Task struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	UserID         uuid.UUID           `db:"user_id" json:"user_id"`
	ModelID        uuid.UUID           `db:"model_id" json:"model_id"`
	Filename       string              `db:"filename" json:"filename"`
	Status         Status              `db:"status" json:"status"`
	CreditsCharged decimal.NullDecimal `db:"credits_charged" json:"credits_charged,omitempty"`
	OutputText     *string             `db:"output_text" json:"output_text,omitempty"`
	ErrorMessage   *string             `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

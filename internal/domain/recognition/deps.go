package recognition

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formulatex/formulatex-api/internal/domain/model"
	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/domain/wallet"
)

// TaskStore is the slice of the task repository the pipeline needs.
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*task.Task, error)
	MarkInProgress(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, outputText string, creditsCharged decimal.Decimal) error
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// Ledger is the slice of the wallet service used at submission and settlement.
type Ledger interface {
	GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, error)
	Spend(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, taskID uuid.UUID) (*wallet.Transaction, error)
}

// Catalog is the slice of the model catalog used by the pipeline.
type Catalog interface {
	GetActive(ctx context.Context, id uuid.UUID) (*model.MLModel, error)
	CreditCost(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
}

// DispatchPublisher enqueues dispatch messages at submission time.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, taskID string, body []byte) error
}

// DispatchQueue is the broker surface the worker needs: emitting results and
// exercising the bounded-retry routing for transient failures.
type DispatchQueue interface {
	PublishResult(ctx context.Context, taskID string, body []byte) error
	RepublishDispatch(ctx context.Context, taskID string, body []byte, attempt int) error
	PublishDeadLetter(ctx context.Context, taskID string, body []byte, attempt int) error
}

// ResultQueue is the broker surface the result processor needs.
type ResultQueue interface {
	RepublishResult(ctx context.Context, taskID string, body []byte, attempt int) error
	PublishDeadLetter(ctx context.Context, taskID string, body []byte, attempt int) error
}

// StatusNotifier fans task status changes out to external pollers.
// Notifications are best-effort and never affect settlement.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, taskID uuid.UUID, status task.Status)
}

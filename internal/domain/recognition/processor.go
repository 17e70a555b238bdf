package recognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/domain/wallet"
	"github.com/formulatex/formulatex-api/internal/pkg/broker"
)

// Processor is the single writer that turns result messages into durable
// financial and task-status effects, exactly once per task. Multiple
// processor instances may run concurrently; the task state machine and the
// ledger's correlation key make duplicate settlement a no-op.
type Processor struct {
	store    TaskStore
	ledger   Ledger
	catalog  Catalog
	queue    ResultQueue
	retry    RetryPolicy
	notifier StatusNotifier
}

func NewProcessor(store TaskStore, ledger Ledger, catalog Catalog, queue ResultQueue, retry RetryPolicy, notifier StatusNotifier) *Processor {
	return &Processor{
		store:    store,
		ledger:   ledger,
		catalog:  catalog,
		queue:    queue,
		retry:    retry,
		notifier: notifier,
	}
}

// Run drains result deliveries until the context is cancelled or the
// channel closes, finishing the in-flight message first.
func (p *Processor) Run(ctx context.Context, deliveries <-chan broker.Delivery) {
	log.Info().Msg("Result processor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Result processor stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info().Msg("Result channel closed")
				return
			}
			p.Handle(context.WithoutCancel(ctx), d)
		}
	}
}

// Handle settles a single result delivery. The message is acknowledged only
// after the task store write is durable; unexpected failures feed the
// bounded retry so the settlement is replayed, which is safe because every
// step is idempotent.
func (p *Processor) Handle(ctx context.Context, d broker.Delivery) {
	msg, err := DecodeResultMessage(d.Body())
	if err != nil {
		// Nothing to correlate; drop after logging rather than looping.
		log.Error().Err(err).Msg("Malformed result message")
		p.ack(d, "")
		return
	}

	logger := log.With().Str("task_id", msg.TaskID).Str("worker_id", msg.WorkerID).Logger()

	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid task id in result message")
		p.ack(d, msg.TaskID)
		return
	}

	t, err := p.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			logger.Error().Msg("Result references unknown task, discarding")
			p.ack(d, msg.TaskID)
			return
		}
		p.handleTransient(ctx, d, msg, taskID, err, &logger)
		return
	}

	// Primary idempotency guard: a terminal task is already settled.
	if t.Status.IsTerminal() {
		logger.Info().Str("status", string(t.Status)).Msg("Task already settled, discarding duplicate result")
		p.ack(d, msg.TaskID)
		return
	}

	if msg.Success {
		p.settleSuccess(ctx, d, msg, t, &logger)
		return
	}

	reason := "unknown error"
	if msg.Error != nil {
		reason = *msg.Error
	}
	if err := p.store.Fail(ctx, taskID, reason); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			logger.Info().Msg("Task settled concurrently, discarding duplicate result")
			p.ack(d, msg.TaskID)
			return
		}
		p.handleTransient(ctx, d, msg, taskID, err, &logger)
		return
	}

	logger.Info().Str("error", reason).Msg("Task failed, no charge applied")
	p.notify(ctx, taskID, task.StatusError)
	p.ack(d, msg.TaskID)
}

func (p *Processor) settleSuccess(ctx context.Context, d broker.Delivery, msg *ResultMessage, t *task.Task, logger *zerolog.Logger) {
	cost, err := p.catalog.CreditCost(ctx, t.ModelID)
	if err != nil {
		p.handleTransient(ctx, d, msg, t.ID, err, logger)
		return
	}

	txn, err := p.ledger.Spend(ctx, t.UserID, cost, t.ID)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			// Credits are pre-checked at submission; running dry here means
			// the balance was spent in flight. Terminal failure, no retry.
			logger.Warn().Str("cost", cost.String()).Msg("Insufficient credits at settlement")
			if ferr := p.store.Fail(ctx, t.ID, "insufficient credits at settlement"); ferr != nil && !errors.Is(ferr, task.ErrInvalidTransition) {
				p.handleTransient(ctx, d, msg, t.ID, ferr, logger)
				return
			}
			p.notify(ctx, t.ID, task.StatusError)
			p.ack(d, msg.TaskID)
			return
		}
		p.handleTransient(ctx, d, msg, t.ID, err, logger)
		return
	}

	output := ""
	if msg.LatexCode != nil {
		output = *msg.LatexCode
	}

	if err := p.store.Complete(ctx, t.ID, output, txn.Amount); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Another processor settled the task between our terminal check
			// and this write. The spend was idempotent, so nothing leaks.
			logger.Info().Msg("Task completed concurrently, discarding duplicate result")
			p.ack(d, msg.TaskID)
			return
		}
		p.handleTransient(ctx, d, msg, t.ID, err, logger)
		return
	}

	logger.Info().
		Str("credits_charged", txn.Amount.String()).
		Str("post_balance", txn.PostBalance.String()).
		Msg("Task settled")
	p.notify(ctx, t.ID, task.StatusDone)
	p.ack(d, msg.TaskID)
}

// handleTransient requeues the result with an incremented attempt counter
// while budget remains; an exhausted message is dead-lettered and the task
// is failed so it never stays in flight forever.
func (p *Processor) handleTransient(ctx context.Context, d broker.Delivery, msg *ResultMessage, taskID uuid.UUID, cause error, logger *zerolog.Logger) {
	attempt := d.Attempt()
	logger.Error().Err(cause).Int("attempt", attempt).Msg("Settlement failed")

	if !p.retry.Exhausted(attempt) {
		if err := p.queue.RepublishResult(ctx, msg.TaskID, d.Body(), attempt+1); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue result, leaving unacked")
			if rerr := d.Reject(true); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to reject result")
			}
			return
		}
		p.ack(d, msg.TaskID)
		return
	}

	logger.Error().Int("attempt", attempt).Msg("Retry budget exhausted, dead-lettering result")

	if err := p.queue.PublishDeadLetter(ctx, msg.TaskID, d.Body(), attempt); err != nil {
		// The result queue has no dead-letter exchange, so a plain reject
		// would drop the message; requeue it instead. The redelivery hits the
		// terminal-status check once Fail below has landed.
		logger.Error().Err(err).Msg("Failed to publish to dead letter queue, requeueing result")
		if rerr := d.Reject(true); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reject result")
		}
	} else {
		p.ack(d, msg.TaskID)
	}

	reason := fmt.Sprintf("settlement failed after %d attempts: %v", attempt, cause)
	if err := p.store.Fail(ctx, taskID, reason); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		logger.Error().Err(err).Msg("Failed to mark task as failed")
	}
}

func (p *Processor) notify(ctx context.Context, taskID uuid.UUID, status task.Status) {
	if p.notifier != nil {
		p.notifier.NotifyStatus(ctx, taskID, status)
	}
}

func (p *Processor) ack(d broker.Delivery, taskID string) {
	if err := d.Ack(); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("Failed to ack result")
	}
}

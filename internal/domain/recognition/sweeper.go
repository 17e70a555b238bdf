package recognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/pkg/broker"
)

// DeadLetterSweeper drains the dead-letter queue and terminates the tasks
// referenced by parked messages. Messages reach the DLQ two ways: an explicit
// publish after the retry budget is spent (the publisher already failed the
// task, so sweeping is a no-op), or broker-side expiry of a dispatch that
// outlived the task queue's TTL during a worker outage. The second path has
// no attempt accounting at all; without the sweeper those tasks would sit in
// pending forever.
type DeadLetterSweeper struct {
	store TaskStore
}

func NewDeadLetterSweeper(store TaskStore) *DeadLetterSweeper {
	return &DeadLetterSweeper{store: store}
}

// Run drains dead-letter deliveries until the context is cancelled or the
// channel closes, finishing the in-flight message first.
func (s *DeadLetterSweeper) Run(ctx context.Context, deliveries <-chan broker.Delivery) {
	log.Info().Msg("Dead letter sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dead letter sweeper stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info().Msg("Dead letter channel closed")
				return
			}
			s.Handle(context.WithoutCancel(ctx), d)
		}
	}
}

// Handle settles one dead-lettered message: extract the task it references
// and fail the task if it is still live. The payload is logged before the
// ack so parked messages stay inspectable.
func (s *DeadLetterSweeper) Handle(ctx context.Context, d broker.Delivery) {
	taskID, origin, err := correlateDeadLetter(d.Body())
	if err != nil {
		log.Error().Err(err).Bytes("body", d.Body()).Msg("Uncorrelatable dead letter, discarding")
		s.ack(d, "")
		return
	}

	logger := log.With().Str("task_id", taskID.String()).Str("origin", origin).Logger()
	logger.Error().Bytes("body", d.Body()).Msg("Dead-lettered message")

	t, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			logger.Warn().Msg("Dead letter references unknown task, discarding")
			s.ack(d, taskID.String())
			return
		}
		// Task store unavailable; leave the message queued for a later sweep.
		logger.Error().Err(err).Msg("Failed to load task for dead letter, requeueing")
		if rerr := d.Reject(true); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reject dead letter")
		}
		return
	}

	if t.Status.IsTerminal() {
		s.ack(d, taskID.String())
		return
	}

	reason := fmt.Sprintf("%s message dead-lettered", origin)
	if err := s.store.Fail(ctx, taskID, reason); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		logger.Error().Err(err).Msg("Failed to fail dead-lettered task, requeueing")
		if rerr := d.Reject(true); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reject dead letter")
		}
		return
	}

	logger.Info().Msg("Dead-lettered task terminated")
	s.ack(d, taskID.String())
}

// correlateDeadLetter extracts the task id from a parked payload, which may
// be either envelope type.
func correlateDeadLetter(body []byte) (uuid.UUID, string, error) {
	if msg, err := DecodeDispatchMessage(body); err == nil {
		id, perr := uuid.Parse(msg.TaskID)
		return id, "dispatch", perr
	}
	if msg, err := DecodeResultMessage(body); err == nil {
		id, perr := uuid.Parse(msg.TaskID)
		return id, "result", perr
	}
	return uuid.Nil, "", errors.New("body matches no known envelope")
}

func (s *DeadLetterSweeper) ack(d broker.Delivery, taskID string) {
	if err := d.Ack(); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("Failed to ack dead letter")
	}
}

package recognition

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/pkg/broker"
	"github.com/formulatex/formulatex-api/internal/pkg/imaging"
)

// Worker consumes dispatch messages, runs inference and emits result
// messages. Each worker processes one message at a time; scaling out means
// running more worker processes against the same queue.
type Worker struct {
	id         string
	store      TaskStore
	recognizer Recognizer
	queue      DispatchQueue
	retry      RetryPolicy
	normalizer *imaging.Normalizer
}

func NewWorker(id string, store TaskStore, recognizer Recognizer, queue DispatchQueue, retry RetryPolicy) *Worker {
	return &Worker{
		id:         id,
		store:      store,
		recognizer: recognizer,
		queue:      queue,
		retry:      retry,
		normalizer: imaging.NewNormalizer(imaging.DefaultConfig()),
	}
}

// ID returns the worker identity stamped on result messages.
func (w *Worker) ID() string { return w.id }

// Run drains deliveries until the context is cancelled or the channel
// closes. The in-flight message is always finished before returning, so a
// shutdown never orphans a task mid-processing.
func (w *Worker) Run(ctx context.Context, deliveries <-chan broker.Delivery) {
	log.Info().Str("worker_id", w.id).Msg("Worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", w.id).Msg("Worker stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info().Str("worker_id", w.id).Msg("Dispatch channel closed")
				return
			}
			w.Handle(context.WithoutCancel(ctx), d)
		}
	}
}

// Handle processes a single dispatch delivery end to end: validate, infer,
// publish the result, then acknowledge. Publishing before acknowledging
// guarantees the result survives a crash between inference and ack; the
// downstream settlement is idempotent, so a reprocessed task only costs
// duplicate inference work.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) {
	start := time.Now()

	msg, err := DecodeDispatchMessage(d.Body())
	if err != nil {
		// Undecodable payloads carry no usable correlation data; route them
		// to the dead-letter queue for inspection instead of retrying.
		log.Error().Err(err).Str("worker_id", w.id).Msg("Malformed dispatch message")
		if rerr := d.Reject(false); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to reject malformed dispatch")
		}
		return
	}

	logger := log.With().Str("worker_id", w.id).Str("task_id", msg.TaskID).Logger()
	logger.Info().Str("filename", msg.Filename).Int("attempt", d.Attempt()).Msg("Processing task")

	taskID, _ := uuid.Parse(msg.TaskID)

	payload, info, verr := w.prepareImage(msg.ImageData)
	if verr != nil {
		// Deterministic validation failure: no retry, no charge.
		logger.Warn().Err(verr).Msg("Image validation failed")
		w.finish(ctx, d, w.failedResult(msg, ImageInfo{}, "validation: "+verr.Error(), start))
		return
	}

	// Best-effort visibility update; settlement does not depend on it.
	if err := w.store.MarkInProgress(ctx, taskID); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Late or duplicate dispatch for an already-settled task.
			logger.Info().Msg("Task already terminal, discarding dispatch")
			w.ack(d, msg.TaskID)
			return
		}
		logger.Warn().Err(err).Msg("Failed to mark task in progress")
	}

	prediction, err := w.recognizer.Recognize(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			logger.Warn().Err(err).Int("attempt", d.Attempt()).Msg("Inference backend unavailable")
			w.handleTransient(ctx, d, msg, taskID, err, &logger)
			return
		}
		// Deterministic inference failure becomes a failed result rather
		// than a broker reject, avoiding redelivery storms.
		logger.Warn().Err(err).Msg("Inference failed")
		w.finish(ctx, d, w.failedResult(msg, info, err.Error(), start))
		return
	}

	result := &ResultMessage{
		TaskID:         msg.TaskID,
		UserID:         msg.UserID,
		WorkerID:       w.id,
		Timestamp:      time.Now().UTC(),
		ProcessingTime: time.Since(start).Seconds(),
		Success:        true,
		LatexCode:      &prediction.LatexCode,
		Confidence:     &prediction.Confidence,
		ImageInfo:      info,
	}

	w.finish(ctx, d, result)
	logger.Info().Dur("took", time.Since(start)).Msg("Task processed")
}

// handleTransient routes a transiently failed dispatch: requeue with an
// incremented attempt counter while budget remains, otherwise dead-letter
// the message and terminate the task so it never stays in flight forever.
func (w *Worker) handleTransient(ctx context.Context, d broker.Delivery, msg *DispatchMessage, taskID uuid.UUID, cause error, logger *zerolog.Logger) {
	attempt := d.Attempt()

	if !w.retry.Exhausted(attempt) {
		if err := w.queue.RepublishDispatch(ctx, msg.TaskID, d.Body(), attempt+1); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue dispatch, leaving unacked")
			if rerr := d.Reject(true); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to reject dispatch")
			}
			return
		}
		w.ack(d, msg.TaskID)
		return
	}

	logger.Error().Int("attempt", attempt).Msg("Retry budget exhausted, dead-lettering dispatch")

	if err := w.queue.PublishDeadLetter(ctx, msg.TaskID, d.Body(), attempt); err != nil {
		logger.Error().Err(err).Msg("Failed to publish to dead letter queue")
		// The broker-side dead-letter exchange picks the message up on reject.
		if rerr := d.Reject(false); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reject dispatch")
		}
	} else {
		w.ack(d, msg.TaskID)
	}

	reason := fmt.Sprintf("processing failed after %d attempts: %v", attempt, cause)
	if err := w.store.Fail(ctx, taskID, reason); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		logger.Error().Err(err).Msg("Failed to mark task as failed")
	}
}

// prepareImage decodes the base64 payload, validates it is a real image and
// normalizes oversized inputs before inference.
func (w *Worker) prepareImage(imageData string) ([]byte, ImageInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) == 0 {
		return nil, ImageInfo{}, errors.New("empty image payload")
	}

	payload, info, err := w.normalizer.Normalize(raw)
	if err != nil {
		return nil, ImageInfo{}, err
	}
	return payload, ImageInfo{Width: info.Width, Height: info.Height, Format: info.Format}, nil
}

func (w *Worker) failedResult(msg *DispatchMessage, info ImageInfo, reason string, start time.Time) *ResultMessage {
	return &ResultMessage{
		TaskID:         msg.TaskID,
		UserID:         msg.UserID,
		WorkerID:       w.id,
		Timestamp:      time.Now().UTC(),
		ProcessingTime: time.Since(start).Seconds(),
		Success:        false,
		Error:          &reason,
		ImageInfo:      info,
	}
}

// finish publishes the result and only then acknowledges the dispatch.
func (w *Worker) finish(ctx context.Context, d broker.Delivery, result *ResultMessage) {
	body, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to marshal result")
		if rerr := d.Reject(false); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to reject dispatch")
		}
		return
	}

	if err := w.queue.PublishResult(ctx, result.TaskID, body); err != nil {
		// Broker-side trouble; leave the dispatch queued so it is
		// redelivered and the result is not lost.
		log.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to publish result")
		if rerr := d.Reject(true); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to requeue dispatch")
		}
		return
	}

	w.ack(d, result.TaskID)
}

func (w *Worker) ack(d broker.Delivery, taskID string) {
	if err := d.Ack(); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("Failed to ack dispatch")
	}
}

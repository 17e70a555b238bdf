package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/pkg/validator"
)

var (
	// ErrInsufficientCredits is returned when the submitter's balance does
	// not cover the model's cost. Credits are pre-checked here and charged
	// at settlement; the gap is closed by the settlement-time guard.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidImage is returned for payloads that are not decodable base64.
	ErrInvalidImage = errors.New("invalid image payload")
)

// SubmitService admits recognition requests: it validates the model and the
// submitter's balance, creates the pending task and enqueues the dispatch
// message.
type SubmitService struct {
	store     TaskStore
	ledger    Ledger
	catalog   Catalog
	publisher DispatchPublisher
}

func NewSubmitService(store TaskStore, ledger Ledger, catalog Catalog, publisher DispatchPublisher) *SubmitService {
	return &SubmitService{
		store:     store,
		ledger:    ledger,
		catalog:   catalog,
		publisher: publisher,
	}
}

// Submit creates a pending task for the image and hands it to the worker
// pool. The returned task is in status pending; the caller polls the store
// for the outcome.
func (s *SubmitService) Submit(ctx context.Context, userID, modelID uuid.UUID, imageData, filename string) (*task.Task, error) {
	m, err := s.catalog.GetActive(ctx, modelID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(m.CreditCost) {
		return nil, ErrInsufficientCredits
	}

	if err := validator.ValidateVar(imageData, "required,base64"); err != nil {
		return nil, ErrInvalidImage
	}

	t := &task.Task{
		ID:       uuid.New(),
		UserID:   userID,
		ModelID:  modelID,
		Filename: filename,
		Status:   task.StatusPending,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	msg := DispatchMessage{
		TaskID:    t.ID.String(),
		UserID:    userID.String(),
		ImageData: imageData,
		Filename:  filename,
		ModelID:   modelID.String(),
		Timestamp: float64(time.Now().UTC().UnixNano()) / 1e9,
	}
	body, err := encodeDispatchMessage(&msg)
	if err != nil {
		return nil, err
	}

	if err := s.publisher.PublishDispatch(ctx, msg.TaskID, body); err != nil {
		// The task exists but will never be dispatched; terminate it rather
		// than leaving it pending forever.
		if ferr := s.store.Fail(ctx, t.ID, "dispatch failed: "+err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("task_id", t.ID.String()).Msg("Failed to mark undispatched task")
		}
		return nil, fmt.Errorf("publish dispatch: %w", err)
	}

	log.Info().
		Str("task_id", t.ID.String()).
		Str("user_id", userID.String()).
		Str("model_id", modelID.String()).
		Msg("Task submitted")
	return t, nil
}

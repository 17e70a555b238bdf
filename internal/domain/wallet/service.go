package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, ownerID)
}

func (s *Service) ListTransactions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, ownerID, limit, offset)
}

func (s *Service) TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, reference string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	t, err := s.repo.TopUp(ctx, ownerID, amount, reference)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("owner_id", ownerID.String()).
		Str("amount", amount.String()).
		Str("post_balance", t.PostBalance.String()).
		Msg("wallet topup applied")
	return t, nil
}

// Spend charges the owner's wallet for the given task. Replays with the same
// task return the original transaction and leave the balance untouched.
func (s *Service) Spend(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, taskID uuid.UUID) (*Transaction, error) {
	if !amount.IsPositive() || taskID == uuid.Nil {
		return nil, ErrInvalidAmount
	}
	t, err := s.repo.Spend(ctx, ownerID, amount, taskID)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	log.Info().
		Str("owner_id", ownerID.String()).
		Str("task_id", taskID.String()).
		Str("amount", amount.String()).
		Str("post_balance", t.PostBalance.String()).
		Msg("wallet spend applied")
	return t, nil
}

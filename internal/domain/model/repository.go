package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const costCacheKeyPrefix = "models:cost:"

// Repository reads the ML model catalog. Credit-cost lookups happen on every
// settlement, so they are cached in Redis with a short TTL when a client is
// available.
type Repository struct {
	db       *sqlx.DB
	rdb      *redis.Client
	cacheTTL time.Duration
}

func NewRepository(db *sqlx.DB, rdb *redis.Client, cacheTTL time.Duration) *Repository {
	return &Repository{db: db, rdb: rdb, cacheTTL: cacheTTL}
}

// GetByID returns a catalog entry regardless of its active flag.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*MLModel, error) {
	var m MLModel
	err := r.db.GetContext(ctx, &m, `
		SELECT id, name, credit_cost, is_active, created_at
		FROM ml_models
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetActive returns a catalog entry, failing if it has been deactivated.
func (r *Repository) GetActive(ctx context.Context, id uuid.UUID) (*MLModel, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, ErrModelInactive
	}
	return m, nil
}

// CreditCost returns the per-request cost of a model, served from the Redis
// cache when possible.
func (r *Repository) CreditCost(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	if r.rdb != nil {
		cached, err := r.rdb.Get(ctx, costCacheKeyPrefix+id.String()).Result()
		if err == nil {
			if cost, perr := decimal.NewFromString(cached); perr == nil {
				return cost, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("model_id", id.String()).Msg("Model cost cache read failed")
		}
	}

	m, err := r.GetByID(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	if r.rdb != nil {
		if err := r.rdb.Set(ctx, costCacheKeyPrefix+id.String(), m.CreditCost.String(), r.cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Str("model_id", id.String()).Msg("Model cost cache write failed")
		}
	}

	return m.CreditCost, nil
}

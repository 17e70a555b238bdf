package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres"), nil, time.Minute), mock
}

func modelRows(id uuid.UUID, name, cost string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "credit_cost", "is_active", "created_at"}).
		AddRow(id, name, cost, active, time.Now())
}

func TestGetActive(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM ml_models`).
		WithArgs(id).
		WillReturnRows(modelRows(id, "formula2latex-base", "2.50", true))

	m, err := repo.GetActive(context.Background(), id)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if !m.CreditCost.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("unexpected cost %s", m.CreditCost)
	}
}

func TestGetActiveDeactivatedModel(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM ml_models`).
		WithArgs(id).
		WillReturnRows(modelRows(id, "formula2latex-old", "1.00", false))

	_, err := repo.GetActive(context.Background(), id)
	if !errors.Is(err, ErrModelInactive) {
		t.Fatalf("expected ErrModelInactive, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM ml_models`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), id)
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestCreditCostFallsBackToDB(t *testing.T) {
	// No Redis client wired: cost must come straight from the catalog row.
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM ml_models`).
		WithArgs(id).
		WillReturnRows(modelRows(id, "formula2latex-base", "2.50", true))

	cost, err := repo.CreditCost(context.Background(), id)
	if err != nil {
		t.Fatalf("credit cost: %v", err)
	}
	if !cost.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("unexpected cost %s", cost)
	}
}

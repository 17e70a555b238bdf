package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureWallet creates an empty wallet for the owner if none exists.
func (r *Repository) EnsureWallet(ctx context.Context, ownerID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New(), ownerID)
	return err
}

// GetByOwner returns the owner's wallet.
func (r *Repository) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*Wallet, error) {
	if err := r.EnsureWallet(ctx, ownerID); err != nil {
		return nil, err
	}

	var w Wallet
	err := r.db.GetContext(ctx, &w, `
		SELECT id, owner_id, balance, updated_at
		FROM wallets
		WHERE owner_id = $1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetBalance returns the owner's current balance.
func (r *Repository) GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, error) {
	w, err := r.GetByOwner(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// ListTransactions returns the owner's ledger history, newest first.
func (r *Repository) ListTransactions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Transaction, error) {
	txns := []Transaction{}
	err := r.db.SelectContext(ctx, &txns, `
		SELECT t.id, t.wallet_id, t.type, t.amount, t.post_balance, t.task_id, t.reference, t.created_at
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.owner_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	return txns, err
}

func (r *Repository) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// lockWallet takes the per-wallet row lock that serializes all balance
// mutations for one owner.
func (r *Repository) lockWallet(ctx context.Context, tx *sqlx.Tx, ownerID uuid.UUID) (*Wallet, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New(), ownerID); err != nil {
		return nil, err
	}

	var w Wallet
	err := tx.GetContext(ctx, &w, `
		SELECT id, owner_id, balance, updated_at
		FROM wallets
		WHERE owner_id = $1
		FOR UPDATE
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) getSpendByTask(ctx context.Context, tx *sqlx.Tx, taskID uuid.UUID) (*Transaction, bool, error) {
	var t Transaction
	err := tx.GetContext(ctx, &t, `
		SELECT id, wallet_id, type, amount, post_balance, task_id, reference, created_at
		FROM wallet_transactions
		WHERE type = $1 AND task_id = $2
		LIMIT 1
	`, TransactionTypeSpend, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (r *Repository) updateBalance(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $1, updated_at = now() WHERE id = $2
	`, balance, walletID)
	return err
}

func (r *Repository) insertTransaction(ctx context.Context, tx *sqlx.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, post_balance, task_id, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.WalletID, string(t.Type), t.Amount, t.PostBalance, t.TaskID, t.Reference, t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSpend
		}
		return err
	}
	return nil
}

// Spend atomically charges the owner's wallet for one task. A spend that
// already exists for the task is returned as-is without touching the balance,
// which makes replayed settlements safe. The idempotency lookup happens under
// the same wallet row lock as the balance mutation.
func (r *Repository) Spend(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, taskID uuid.UUID) (*Transaction, error) {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := r.lockWallet(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	existing, found, err := r.getSpendByTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if found {
		if !existing.Amount.Equal(amount) {
			return nil, ErrReferenceConflict
		}
		return existing, nil
	}

	nextBalance := w.Balance.Sub(amount)
	if nextBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	t := &Transaction{
		ID:          uuid.New(),
		WalletID:    w.ID,
		Type:        TransactionTypeSpend,
		Amount:      amount,
		PostBalance: nextBalance,
		TaskID:      &taskID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.updateBalance(ctx, tx, w.ID, nextBalance); err != nil {
		return nil, err
	}

	// A unique-index violation aborts the surrounding Postgres transaction;
	// the savepoint keeps the backstop re-read below runnable.
	if _, err := tx.ExecContext(ctx, "SAVEPOINT spend_insert"); err != nil {
		return nil, err
	}

	if err := r.insertTransaction(ctx, tx, t); err != nil {
		// The unique index on spend task_id backstops a race between two
		// processors; re-read the winner inside the same transaction.
		if errors.Is(err, ErrDuplicateSpend) {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT spend_insert"); rbErr != nil {
				return nil, rbErr
			}
			existing, found, checkErr := r.getSpendByTask(ctx, tx, taskID)
			if checkErr != nil {
				return nil, checkErr
			}
			if !found || !existing.Amount.Equal(amount) {
				return nil, ErrReferenceConflict
			}
			return existing, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// TopUp atomically credits the owner's wallet. An optional reference makes
// the top-up idempotent against payment-provider webhook replays.
func (r *Repository) TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, reference string) (*Transaction, error) {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := r.lockWallet(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	if reference != "" {
		existing, found, err := r.getTopUpByReference(ctx, tx, w.ID, reference)
		if err != nil {
			return nil, err
		}
		if found {
			if !existing.Amount.Equal(amount) {
				return nil, ErrReferenceConflict
			}
			return existing, nil
		}
	}

	nextBalance := w.Balance.Add(amount)

	t := &Transaction{
		ID:          uuid.New(),
		WalletID:    w.ID,
		Type:        TransactionTypeTopUp,
		Amount:      amount,
		PostBalance: nextBalance,
		CreatedAt:   time.Now().UTC(),
	}
	if reference != "" {
		t.Reference = &reference
	}

	if err := r.updateBalance(ctx, tx, w.ID, nextBalance); err != nil {
		return nil, err
	}
	if err := r.insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) getTopUpByReference(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, reference string) (*Transaction, bool, error) {
	var t Transaction
	err := tx.GetContext(ctx, &t, `
		SELECT id, wallet_id, type, amount, post_balance, task_id, reference, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1 AND type = $2 AND reference = $3
		LIMIT 1
	`, walletID, TransactionTypeTopUp, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeTopUp TransactionType = "top_up"
	TransactionTypeSpend TransactionType = "spend"
)

// Wallet holds the prepaid credit balance for one owner. The balance is
// always the running sum of the wallet's transactions.
type Wallet struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	OwnerID   uuid.UUID       `db:"owner_id" json:"owner_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction is one append-only ledger row. Amount is always positive; the
// type determines the sign applied to the balance. Spend transactions carry
// the task they settled, making replayed charges idempotent.
type Transaction struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	WalletID    uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	Type        TransactionType `db:"type" json:"type"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	PostBalance decimal.Decimal `db:"post_balance" json:"post_balance"`
	TaskID      *uuid.UUID      `db:"task_id" json:"task_id,omitempty"`
	Reference   *string         `db:"reference" json:"reference,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

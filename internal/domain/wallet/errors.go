package wallet

import "errors"

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrDuplicateSpend    = errors.New("duplicate spend for task")
	ErrReferenceConflict = errors.New("existing transaction conflicts with requested amount")
)

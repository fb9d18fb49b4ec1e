package wallet

import "errors"

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRecipient    = errors.New("invalid dividend recipient")
	ErrNoRecipients        = errors.New("no dividend recipients")
	ErrAmountMismatch      = errors.New("paid amount does not match deposit")
	ErrDepositNotPaid      = errors.New("checkout session is not paid")
)

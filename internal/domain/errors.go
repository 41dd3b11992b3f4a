package domain

import "errors"

var (
	// ErrInvalidAmount amount missing, zero, negative or finer than AmountScale
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrWalletNotFound actor has no wallet
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds requested amount exceeds the available balance
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRecipientNotFound transfer lookup key does not resolve to an active account
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrSelfTransferNotAllowed resolved recipient is the sender
	ErrSelfTransferNotAllowed = errors.New("cannot transfer to yourself")

	// ErrCurrencyMismatch operation currency differs from the wallet currency
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrPersistenceFailure the store could not durably commit the mutation
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrAccountNotFound no active account for the given id or lookup key
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountAlreadyExists lookup key already taken
	ErrAccountAlreadyExists = errors.New("account already exists")

	// ErrTransactionNotFound no transaction with the given id
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyFlagged the fraud flag of a transaction is set only once
	ErrAlreadyFlagged = errors.New("transaction already flagged")

	// ErrInvalidTransaction record violates the party/type invariants
	ErrInvalidTransaction = errors.New("invalid transaction")
)

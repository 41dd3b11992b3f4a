// Package store defines the persistence contract the ledger engine relies on:
// conditional balance updates, an append-only transaction log with
// time-ranged queries, and a unit of work grouping both.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"wallet_ledger/internal/domain"
)

// ErrConflict is returned when a conditional update or a commit finds that
// the balance changed since it was read.
var ErrConflict = errors.New("balance changed concurrently")

// WalletStore is keyed balance storage with an atomic conditional update.
type WalletStore interface {
	// GetWallet returns domain.ErrWalletNotFound when ownerID has no wallet.
	GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error)
	// ApplyDelta adds delta to the balance only if it still equals expected.
	// Returns ErrConflict on mismatch, domain.ErrWalletNotFound for an unknown
	// owner and domain.ErrInsufficientFunds if the result would be negative.
	ApplyDelta(ctx context.Context, ownerID string, delta, expected decimal.Decimal) (domain.Wallet, error)
}

// TransactionLedger is the append-only transaction log.
type TransactionLedger interface {
	// Append stores tx, assigning ID and CreatedAt when they are unset.
	Append(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)
	// FindByActorAndType returns records of txType whose source is ownerID,
	// created at or after since, oldest first.
	FindByActorAndType(ctx context.Context, ownerID string, txType domain.TransactionType, since time.Time) ([]domain.Transaction, error)
	// FindByActor returns records with ownerID as source or destination,
	// created at or after since, oldest first.
	FindByActor(ctx context.Context, ownerID string, since time.Time) ([]domain.Transaction, error)
	// SetFlag annotates a record once. Returns domain.ErrTransactionNotFound
	// or domain.ErrAlreadyFlagged.
	SetFlag(ctx context.Context, id, reason string) (domain.Transaction, error)
	// History returns the non-deleted records touching ownerID, newest first.
	History(ctx context.Context, ownerID string) ([]domain.Transaction, error)
}

// UnitOfWork groups wallet and ledger writes that commit or abort together.
// Writes are invisible outside the unit until Commit. Rollback after Commit
// is a no-op, so it can always be deferred.
type UnitOfWork interface {
	Wallets() WalletStore
	Ledger() TransactionLedger
	Commit() error
	Rollback() error
}

// Store is a persistence backend. Wallets and Ledger operate outside any
// unit of work, each call committing on its own.
type Store interface {
	Wallets() WalletStore
	Ledger() TransactionLedger
	Begin(ctx context.Context) (UnitOfWork, error)
}

// AccountDirectory resolves human-facing lookup keys to accounts.
type AccountDirectory interface {
	// FindByEmail returns domain.ErrAccountNotFound when the key is unknown
	// or the account is soft-deleted.
	FindByEmail(ctx context.Context, email string) (domain.Account, error)
}

// Registration is the data needed to open an account with its wallet.
type Registration struct {
	Email        string
	PasswordHash string
	Currency     string
}

// AccountRegistry creates accounts and serves login credentials. It belongs
// to the account lifecycle around the ledger, not to the ledger itself.
type AccountRegistry interface {
	AccountDirectory
	// Register creates the account and its zero-balance wallet. Returns
	// domain.ErrAccountAlreadyExists when the email is taken.
	Register(ctx context.Context, reg Registration) (domain.Account, domain.Wallet, error)
	// Credentials returns the active account and its password hash.
	Credentials(ctx context.Context, email string) (domain.Account, string, error)
}

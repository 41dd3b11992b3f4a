// Package memory is an in-process implementation of the store contract.
// Writes made through a unit of work are staged and applied atomically on
// Commit after re-checking every expected balance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet_ledger/internal/clock"
	"wallet_ledger/internal/domain"
	"wallet_ledger/internal/store"
)

type account struct {
	domain.Account
	passwordHash string
}

// Store keeps accounts, wallets and the transaction log in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]account       // account id -> account
	emails   map[string]string        // normalized email -> account id
	wallets  map[string]domain.Wallet // owner id -> wallet
	txs      []domain.Transaction     // append order
	txIndex  map[string]int           // transaction id -> position in txs
	clock    clock.Clock
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used to stamp records appended without CreatedAt
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore returns an empty Store
func NewStore(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]account),
		emails:   make(map[string]string),
		wallets:  make(map[string]domain.Wallet),
		txIndex:  make(map[string]int),
		clock:    clock.System{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAccount inserts an account with its wallet. Used to seed fixtures.
func (s *Store) AddAccount(acc domain.Account, wallet domain.Wallet) error {
	email := domain.NormalizeEmail(acc.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return domain.ErrAccountAlreadyExists
	}
	if _, ok := s.emails[email]; ok && email != "" {
		return domain.ErrAccountAlreadyExists
	}
	acc.Email = email
	wallet.OwnerID = acc.ID
	s.accounts[acc.ID] = account{Account: acc}
	if email != "" {
		s.emails[email] = acc.ID
	}
	s.wallets[acc.ID] = wallet
	return nil
}

// SoftDeleteAccount marks an account deleted so lookups no longer resolve it
func (s *Store) SoftDeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.IsDeleted = true
	s.accounts[id] = acc
	return nil
}

// SoftDeleteTransaction hides a record from history
func (s *Store) SoftDeleteTransaction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.txIndex[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	s.txs[i].IsDeleted = true
	return nil
}

// Transactions returns a snapshot of the whole log in append order
func (s *Store) Transactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Transaction(nil), s.txs...)
}

// Wallets implements store.Store
func (s *Store) Wallets() store.WalletStore { return walletView{s: s} }

// Ledger implements store.Store
func (s *Store) Ledger() store.TransactionLedger { return ledgerView{s: s} }

// Begin implements store.Store
func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newUnitOfWork(s), nil
}

// FindByEmail implements store.AccountDirectory
func (s *Store) FindByEmail(ctx context.Context, email string) (domain.Account, error) {
	acc, err := s.activeAccount(email)
	if err != nil {
		return domain.Account{}, err
	}
	return acc.Account, nil
}

// Register implements store.AccountRegistry
func (s *Store) Register(ctx context.Context, reg store.Registration) (domain.Account, domain.Wallet, error) {
	acc := domain.Account{ID: uuid.NewString(), Email: domain.NormalizeEmail(reg.Email)}
	wallet, err := domain.NewWallet(acc.ID, reg.Currency, decimal.Zero)
	if err != nil {
		return domain.Account{}, domain.Wallet{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.emails[acc.Email]; ok {
		return domain.Account{}, domain.Wallet{}, domain.ErrAccountAlreadyExists
	}
	s.accounts[acc.ID] = account{Account: acc, passwordHash: reg.PasswordHash}
	s.emails[acc.Email] = acc.ID
	s.wallets[acc.ID] = wallet
	return acc, wallet, nil
}

// Credentials implements store.AccountRegistry
func (s *Store) Credentials(ctx context.Context, email string) (domain.Account, string, error) {
	acc, err := s.activeAccount(email)
	if err != nil {
		return domain.Account{}, "", err
	}
	return acc.Account, acc.passwordHash, nil
}

func (s *Store) activeAccount(email string) (account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[domain.NormalizeEmail(email)]
	if !ok {
		return account{}, domain.ErrAccountNotFound
	}
	acc := s.accounts[id]
	if !acc.Active() {
		return account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) wallet(ownerID string) (domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return w, nil
}

// filter returns committed records matching keep, oldest first
func (s *Store) filter(keep func(domain.Transaction) bool) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range s.txs {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Store) transaction(id string) (domain.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.txIndex[id]
	if !ok {
		return domain.Transaction{}, false
	}
	return s.txs[i], true
}

func (s *Store) setFlag(id, reason string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.txIndex[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	flagged, err := s.txs[i].Flag(reason) // Fails once already flagged
	if err != nil {
		return s.txs[i], err
	}
	s.txs[i] = flagged
	return flagged, nil
}

// autocommit runs fn inside its own unit of work
func (s *Store) autocommit(fn func(u *unitOfWork) error) error {
	u := newUnitOfWork(s)
	if err := fn(u); err != nil {
		_ = u.Rollback()
		return err
	}
	return u.Commit()
}

func bySince(since time.Time) func(domain.Transaction) bool {
	return func(tx domain.Transaction) bool {
		return !tx.CreatedAt.Before(since)
	}
}

func byActorAndType(ownerID string, txType domain.TransactionType, since time.Time) func(domain.Transaction) bool {
	inWindow := bySince(since)
	return func(tx domain.Transaction) bool {
		return tx.FromOwnerID == ownerID && tx.Type == txType && inWindow(tx)
	}
}

func byActor(ownerID string, since time.Time) func(domain.Transaction) bool {
	inWindow := bySince(since)
	return func(tx domain.Transaction) bool {
		return tx.Touches(ownerID) && inWindow(tx)
	}
}

func visibleTo(ownerID string) func(domain.Transaction) bool {
	return func(tx domain.Transaction) bool {
		return tx.Touches(ownerID) && !tx.IsDeleted
	}
}

// newestFirst sorts by CreatedAt descending, keeping append order reversed
// for equal timestamps
func newestFirst(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, len(txs)) // Reversed append order
	for i, tx := range txs {
		out[len(txs)-1-i] = tx
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

type walletView struct{ s *Store }

func (v walletView) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	return v.s.wallet(ownerID)
}

func (v walletView) ApplyDelta(ctx context.Context, ownerID string, delta, expected decimal.Decimal) (domain.Wallet, error) {
	var out domain.Wallet
	err := v.s.autocommit(func(u *unitOfWork) error {
		var err error
		out, err = u.applyDelta(ownerID, delta, expected)
		return err
	})
	return out, err
}

type ledgerView struct{ s *Store }

func (v ledgerView) Append(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	var out domain.Transaction
	err := v.s.autocommit(func(u *unitOfWork) error {
		var err error
		out, err = u.append(tx)
		return err
	})
	return out, err
}

func (v ledgerView) FindByActorAndType(ctx context.Context, ownerID string, txType domain.TransactionType, since time.Time) ([]domain.Transaction, error) {
	return v.s.filter(byActorAndType(ownerID, txType, since)), nil
}

func (v ledgerView) FindByActor(ctx context.Context, ownerID string, since time.Time) ([]domain.Transaction, error) {
	return v.s.filter(byActor(ownerID, since)), nil
}

func (v ledgerView) SetFlag(ctx context.Context, id, reason string) (domain.Transaction, error) {
	return v.s.setFlag(id, reason)
}

func (v ledgerView) History(ctx context.Context, ownerID string) ([]domain.Transaction, error) {
	return newestFirst(v.s.filter(visibleTo(ownerID))), nil
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AccountRegistry = (*Store)(nil)
)

func errFinished(op string) error {
	return fmt.Errorf("%s: unit of work already finished", op)
}

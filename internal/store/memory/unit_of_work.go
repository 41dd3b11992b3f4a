package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet_ledger/internal/domain"
	"wallet_ledger/internal/store"
)

// stagedWallet remembers the committed balance the unit first observed so
// Commit can detect a concurrent writer.
type stagedWallet struct {
	base   decimal.Decimal
	wallet domain.Wallet
}

// unitOfWork is owned by one goroutine at a time.
type unitOfWork struct {
	s        *Store
	wallets  map[string]stagedWallet
	appended []domain.Transaction
	flags    map[string]string // committed transaction id -> reason
	done     bool
}

func newUnitOfWork(s *Store) *unitOfWork {
	return &unitOfWork{
		s:       s,
		wallets: make(map[string]stagedWallet),
		flags:   make(map[string]string),
	}
}

func (u *unitOfWork) Wallets() store.WalletStore { return uowWallets{u: u} }
func (u *unitOfWork) Ledger() store.TransactionLedger { return uowLedger{u: u} }

// Commit applies every staged write or none of them
func (u *unitOfWork) Commit() error {
	if u.done {
		return errFinished("commit")
	}
	u.done = true

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before touching state
	for ownerID, sw := range u.wallets {
		current, ok := s.wallets[ownerID]
		if !ok {
			return domain.ErrWalletNotFound
		}
		if !current.Balance.Equal(sw.base) {
			return store.ErrConflict
		}
	}
	for _, tx := range u.appended {
		if _, ok := s.txIndex[tx.ID]; ok {
			return domain.ErrInvalidTransaction
		}
	}
	for id := range u.flags {
		i, ok := s.txIndex[id]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		if s.txs[i].IsFlagged {
			return domain.ErrAlreadyFlagged
		}
	}

	// apply
	for ownerID, sw := range u.wallets {
		s.wallets[ownerID] = sw.wallet
	}
	for _, tx := range u.appended {
		s.txIndex[tx.ID] = len(s.txs)
		s.txs = append(s.txs, tx)
	}
	for id, reason := range u.flags {
		i := s.txIndex[id]
		s.txs[i], _ = s.txs[i].Flag(reason)
	}
	return nil
}

// Rollback discards staged writes
func (u *unitOfWork) Rollback() error {
	u.done = true
	u.wallets = nil
	u.appended = nil
	u.flags = nil
	return nil
}

func (u *unitOfWork) wallet(ownerID string) (domain.Wallet, decimal.Decimal, error) {
	if sw, ok := u.wallets[ownerID]; ok {
		return sw.wallet, sw.base, nil
	}
	w, err := u.s.wallet(ownerID)
	if err != nil {
		return domain.Wallet{}, decimal.Zero, err
	}
	return w, w.Balance, nil
}

func (u *unitOfWork) applyDelta(ownerID string, delta, expected decimal.Decimal) (domain.Wallet, error) {
	if u.done {
		return domain.Wallet{}, errFinished("apply delta")
	}
	current, base, err := u.wallet(ownerID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if !current.Balance.Equal(expected) {
		return domain.Wallet{}, store.ErrConflict // Stale read
	}
	next := current
	next.Balance = current.Balance.Add(delta)
	if next.Balance.IsNegative() {
		return domain.Wallet{}, domain.ErrInsufficientFunds
	}
	u.wallets[ownerID] = stagedWallet{base: base, wallet: next} // Base stays the first committed balance seen
	return next, nil
}

func (u *unitOfWork) append(tx domain.Transaction) (domain.Transaction, error) {
	if u.done {
		return domain.Transaction{}, errFinished("append")
	}
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = u.s.clock.Now()
	}
	u.appended = append(u.appended, tx)
	return tx, nil
}

// staged returns staged records matching keep
func (u *unitOfWork) staged(keep func(domain.Transaction) bool) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range u.appended {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (u *unitOfWork) find(keep func(domain.Transaction) bool) []domain.Transaction {
	return append(u.s.filter(keep), u.staged(keep)...)
}

func (u *unitOfWork) setFlag(id, reason string) (domain.Transaction, error) {
	if u.done {
		return domain.Transaction{}, errFinished("set flag")
	}
	// Staged records are flagged in place
	for i, tx := range u.appended {
		if tx.ID != id {
			continue
		}
		flagged, err := tx.Flag(reason)
		if err != nil {
			return tx, err
		}
		u.appended[i] = flagged
		return flagged, nil
	}
	tx, ok := u.s.transaction(id)
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	if _, ok := u.flags[id]; ok {
		return tx, domain.ErrAlreadyFlagged
	}
	flagged, err := tx.Flag(reason)
	if err != nil {
		return tx, err
	}
	u.flags[id] = reason
	return flagged, nil
}

type uowWallets struct{ u *unitOfWork }

func (w uowWallets) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	wallet, _, err := w.u.wallet(ownerID)
	return wallet, err
}

func (w uowWallets) ApplyDelta(ctx context.Context, ownerID string, delta, expected decimal.Decimal) (domain.Wallet, error) {
	return w.u.applyDelta(ownerID, delta, expected)
}

type uowLedger struct{ u *unitOfWork }

func (l uowLedger) Append(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	return l.u.append(tx)
}

func (l uowLedger) FindByActorAndType(ctx context.Context, ownerID string, txType domain.TransactionType, since time.Time) ([]domain.Transaction, error) {
	return l.u.find(byActorAndType(ownerID, txType, since)), nil
}

func (l uowLedger) FindByActor(ctx context.Context, ownerID string, since time.Time) ([]domain.Transaction, error) {
	return l.u.find(byActor(ownerID, since)), nil
}

func (l uowLedger) SetFlag(ctx context.Context, id, reason string) (domain.Transaction, error) {
	return l.u.setFlag(id, reason)
}

func (l uowLedger) History(ctx context.Context, ownerID string) ([]domain.Transaction, error) {
	return newestFirst(l.u.find(visibleTo(ownerID))), nil
}

var _ store.UnitOfWork = (*unitOfWork)(nil)

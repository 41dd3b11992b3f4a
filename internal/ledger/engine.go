// Package ledger moves money between wallets. Every operation locks the
// wallets it touches in ascending id order, applies conditional balance
// updates and appends its transaction in one unit of work, then screens the
// committed record for fraud outside the locks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"wallet_ledger/internal/clock"
	"wallet_ledger/internal/domain"
	"wallet_ledger/internal/fraud"
	"wallet_ledger/internal/lock"
	"wallet_ledger/internal/store"
)

const defaultMaxAttempts = 3

// Result is the outcome of a committed money movement
type Result struct {
	Transaction domain.Transaction `json:"transaction"` // Committed record, flagged if a rule matched
	Balance     decimal.Decimal    `json:"balance"`     // Actor's balance after the movement
}

// Classifier decides whether a committed transaction looks suspicious
type Classifier interface {
	Classify(ctx context.Context, actorID string, tx domain.Transaction, now time.Time) (fraud.Verdict, error)
}

// Engine orchestrates deposits, withdrawals and transfers
type Engine struct {
	store       store.Store
	accounts    store.AccountDirectory
	locker      lock.Locker
	detector    Classifier
	rules       *fraud.Rules
	clock       clock.Clock
	log         logrus.FieldLogger
	maxAttempts int
}

// Option configures an Engine
type Option func(*Engine)

// WithLocker replaces the in-process wallet locker
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock sets the clock used for timestamps and fraud windows
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClassifier replaces the fraud detector
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.detector = c }
}

// WithFraudRules builds the default detector with the given thresholds
func WithFraudRules(r fraud.Rules) Option {
	return func(e *Engine) { e.rules = &r }
}

// WithMaxAttempts bounds how often a unit of work is retried after a
// conflicting concurrent update
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine returns an Engine persisting to st and resolving transfer
// recipients through accounts
func NewEngine(st store.Store, accounts store.AccountDirectory, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		accounts:    accounts,
		locker:      lock.NewMutexLocker(),
		clock:       clock.System{},
		log:         logrus.StandardLogger(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil {
		rules := fraud.DefaultRules()
		if e.rules != nil {
			rules = *e.rules
		}
		e.detector = fraud.NewDetector(st.Ledger(), rules)
	}
	return e
}

// Deposit credits amount to ownerID's wallet. An empty currency means the
// wallet's own currency.
func (e *Engine) Deposit(ctx context.Context, ownerID string, amount decimal.Decimal, currency string) (Result, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return Result{}, err
	}

	var res Result
	err := e.locked(ctx, []string{ownerID}, func(uow store.UnitOfWork) error {
		w, err := e.wallet(ctx, uow.Wallets(), ownerID)
		if err != nil {
			return err
		}
		if c := domain.NormalizeCurrency(currency); c != "" && c != w.Currency {
			return domain.ErrCurrencyMismatch // Deposits never convert
		}
		tx, err := domain.NewDeposit(ownerID, amount, w.Currency, e.now())
		if err != nil {
			return err
		}
		// Credit only if the balance is still the one read above
		credited, err := uow.Wallets().ApplyDelta(ctx, ownerID, amount, w.Balance)
		if err != nil {
			return storeErr("credit wallet", err)
		}
		stored, err := uow.Ledger().Append(ctx, tx)
		if err != nil {
			return storeErr("append transaction", err)
		}
		res = Result{Transaction: stored, Balance: credited.Balance}
		return nil
	})
	if err != nil {
		e.logFailure(domain.TransactionTypeDeposit, logrus.Fields{"owner_id": ownerID, "amount": amount.String()}, err)
		return Result{}, err
	}

	e.logCommitted(res)
	res.Transaction = e.annotate(ctx, res.Transaction) // Outside the locks
	return res, nil
}

// Withdraw debits amount from ownerID's wallet
func (e *Engine) Withdraw(ctx context.Context, ownerID string, amount decimal.Decimal) (Result, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return Result{}, err
	}

	var res Result
	err := e.locked(ctx, []string{ownerID}, func(uow store.UnitOfWork) error {
		w, err := e.wallet(ctx, uow.Wallets(), ownerID)
		if err != nil {
			return err
		}
		if !w.CanCover(amount) {
			return domain.ErrInsufficientFunds // Balance may reach zero, not below
		}
		tx, err := domain.NewWithdrawal(ownerID, amount, w.Currency, e.now())
		if err != nil {
			return err
		}
		debited, err := uow.Wallets().ApplyDelta(ctx, ownerID, amount.Neg(), w.Balance)
		if err != nil {
			return storeErr("debit wallet", err)
		}
		stored, err := uow.Ledger().Append(ctx, tx)
		if err != nil {
			return storeErr("append transaction", err)
		}
		res = Result{Transaction: stored, Balance: debited.Balance}
		return nil
	})
	if err != nil {
		e.logFailure(domain.TransactionTypeWithdrawal, logrus.Fields{"owner_id": ownerID, "amount": amount.String()}, err)
		return Result{}, err
	}

	e.logCommitted(res)
	res.Transaction = e.annotate(ctx, res.Transaction)
	return res, nil
}

// Transfer moves amount from fromOwnerID to the account registered under
// toLookupKey. Checks run in a fixed order: amount, recipient, self
// transfer, wallets, funds, currency.
func (e *Engine) Transfer(ctx context.Context, fromOwnerID, toLookupKey string, amount decimal.Decimal) (Result, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return Result{}, err
	}
	// Resolve the recipient before taking any lock
	recipient, err := e.accounts.FindByEmail(ctx, toLookupKey)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return Result{}, domain.ErrRecipientNotFound
		}
		return Result{}, persistence("resolve recipient", err)
	}
	if !recipient.Active() {
		return Result{}, domain.ErrRecipientNotFound
	}
	if recipient.ID == fromOwnerID {
		return Result{}, domain.ErrSelfTransferNotAllowed
	}
	toOwnerID := recipient.ID

	var res Result
	err = e.locked(ctx, []string{fromOwnerID, toOwnerID}, func(uow store.UnitOfWork) error {
		from, err := e.wallet(ctx, uow.Wallets(), fromOwnerID)
		if err != nil {
			return err
		}
		to, err := e.wallet(ctx, uow.Wallets(), toOwnerID)
		if err != nil {
			return err
		}
		if !from.CanCover(amount) {
			return domain.ErrInsufficientFunds
		}
		if from.Currency != to.Currency {
			return domain.ErrCurrencyMismatch
		}
		tx, err := domain.NewTransfer(fromOwnerID, toOwnerID, amount, from.Currency, e.now())
		if err != nil {
			return err
		}
		// Debit and credit commit together or not at all
		debited, err := uow.Wallets().ApplyDelta(ctx, fromOwnerID, amount.Neg(), from.Balance)
		if err != nil {
			return storeErr("debit sender", err)
		}
		if _, err := uow.Wallets().ApplyDelta(ctx, toOwnerID, amount, to.Balance); err != nil {
			return storeErr("credit recipient", err)
		}
		stored, err := uow.Ledger().Append(ctx, tx)
		if err != nil {
			return storeErr("append transaction", err)
		}
		res = Result{Transaction: stored, Balance: debited.Balance}
		return nil
	})
	if err != nil {
		e.logFailure(domain.TransactionTypeTransfer, logrus.Fields{
			"from_owner_id": fromOwnerID,
			"to_owner_id":   toOwnerID,
			"amount":        amount.String(),
		}, err)
		return Result{}, err
	}

	e.logCommitted(res)
	res.Transaction = e.annotate(ctx, res.Transaction)
	return res, nil
}

// GetBalance returns ownerID's wallet
func (e *Engine) GetBalance(ctx context.Context, ownerID string) (domain.Wallet, error) {
	return e.wallet(ctx, e.store.Wallets(), ownerID)
}

// GetTransactionHistory returns every non-deleted record touching ownerID,
// newest first
func (e *Engine) GetTransactionHistory(ctx context.Context, ownerID string) ([]domain.Transaction, error) {
	if _, err := e.wallet(ctx, e.store.Wallets(), ownerID); err != nil {
		return nil, err
	}
	txs, err := e.store.Ledger().History(ctx, ownerID)
	if err != nil {
		return nil, persistence("load history", err)
	}
	return txs, nil
}

// now is the commit timestamp at the DATETIME(3) precision of the store.
// It is never after the clock reading the fraud windows end at.
func (e *Engine) now() time.Time {
	return e.clock.Now().Truncate(time.Millisecond)
}

func (e *Engine) wallet(ctx context.Context, wallets store.WalletStore, ownerID string) (domain.Wallet, error) {
	w, err := wallets.GetWallet(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			return domain.Wallet{}, domain.ErrWalletNotFound
		}
		return domain.Wallet{}, persistence("load wallet", err)
	}
	return w, nil
}

// locked runs fn in a unit of work while holding the locks of every wallet
// in ownerIDs
func (e *Engine) locked(ctx context.Context, ownerIDs []string, fn func(store.UnitOfWork) error) error {
	release, err := e.locker.Acquire(ctx, lock.Order(ownerIDs...)...)
	if err != nil {
		return persistence("acquire wallet locks", err)
	}
	defer release()

	// A conflict means another writer got in between read and update
	for attempt := 1; ; attempt++ {
		err = e.attempt(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= e.maxAttempts {
			return persistence("commit", err)
		}
		e.log.WithFields(logrus.Fields{
			"owner_ids": ownerIDs,
			"attempt":   attempt,
		}).Debug("Balance changed concurrently, retrying")
	}
}

func (e *Engine) attempt(ctx context.Context, fn func(store.UnitOfWork) error) error {
	uow, err := e.store.Begin(ctx)
	if err != nil {
		return persistence("begin unit of work", err)
	}
	if err := fn(uow); err != nil {
		e.rollback(uow) // Nothing staged survives a rejected movement
		return err
	}
	if err := uow.Commit(); err != nil {
		e.rollback(uow)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		return persistence("commit unit of work", err)
	}
	return nil
}

func (e *Engine) rollback(uow store.UnitOfWork) {
	if err := uow.Rollback(); err != nil {
		e.log.WithField("error", err.Error()).Error("Rollback failed")
	}
}

// annotate classifies a committed record and persists the flag. Failures
// here never undo the movement; the record just stays unflagged.
func (e *Engine) annotate(ctx context.Context, tx domain.Transaction) domain.Transaction {
	fields := logrus.Fields{
		"transaction_id": tx.ID,
		"owner_id":       tx.Actor(),
		"type":           tx.Type,
	}
	verdict, err := e.detector.Classify(ctx, tx.Actor(), tx, e.clock.Now())
	if err != nil {
		e.log.WithFields(fields).WithField("error", err.Error()).Warn("Fraud classification failed")
		return tx
	}
	if !verdict.Flagged {
		return tx
	}
	// Advisory write, the movement is already committed
	flagged, err := e.store.Ledger().SetFlag(ctx, tx.ID, verdict.Reason)
	if err != nil {
		e.log.WithFields(fields).WithFields(logrus.Fields{
			"reason": verdict.Reason,
			"error":  err.Error(),
		}).Warn("Failed to write fraud flag")
		return tx
	}
	e.log.WithFields(fields).WithField("reason", verdict.Reason).Warn("Transaction flagged")
	return flagged
}

func (e *Engine) logCommitted(res Result) {
	tx := res.Transaction
	e.log.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"from_owner_id":  tx.FromOwnerID,
		"to_owner_id":    tx.ToOwnerID,
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"type":           tx.Type,
		"balance":        res.Balance.String(),
		"timestamp":      tx.CreatedAt.Format(time.RFC3339),
	}).Info("Transaction committed")
}

func (e *Engine) logFailure(t domain.TransactionType, fields logrus.Fields, err error) {
	entry := e.log.WithFields(fields).WithFields(logrus.Fields{"type": t, "error": err.Error()})
	if errors.Is(err, domain.ErrPersistenceFailure) {
		entry.Error("Transaction failed")
		return
	}
	entry.Info("Transaction rejected")
}

// storeErr keeps conflicts retryable and business errors typed, anything
// else is a persistence failure
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrWalletNotFound):
		return err
	}
	return persistence(op, err)
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistenceFailure, err)
}

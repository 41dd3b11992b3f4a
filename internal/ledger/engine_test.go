package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet_ledger/internal/clock"
	"wallet_ledger/internal/domain"
	"wallet_ledger/internal/fraud"
	"wallet_ledger/internal/lock"
	"wallet_ledger/internal/store"
	"wallet_ledger/internal/store/memory"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	clock  *clock.Manual
	engine *Engine
	hook   *logtest.Hook
}

func newFixture(t *testing.T, balances map[string]string, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	st := memory.NewStore(memory.WithClock(clk))
	for id, b := range balances {
		w, err := domain.NewWallet(id, "USD", decimal.RequireFromString(b))
		require.NoError(t, err)
		require.NoError(t, st.AddAccount(domain.Account{ID: id, Email: id + "@example.com"}, w))
	}
	return newFixtureOn(t, st, st, clk, opts...)
}

func newFixtureOn(t *testing.T, mem *memory.Store, st store.Store, clk *clock.Manual, opts ...Option) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts = append([]Option{WithClock(clk), WithLogger(logger)}, opts...)
	return &fixture{
		store:  mem,
		clock:  clk,
		engine: NewEngine(st, mem, opts...),
		hook:   hook,
	}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	w, err := f.engine.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return w.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestInvalidAmountsRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100", "bob": "0"})
	ctx := context.Background()

	for _, amount := range []string{"0", "-1", "-0.01"} {
		_, err := f.engine.Deposit(ctx, "alice", dec(amount), "")
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
		_, err = f.engine.Withdraw(ctx, "alice", dec(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
		_, err = f.engine.Transfer(ctx, "alice", "bob@example.com", dec(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
	}

	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
	assert.Empty(t, f.store.Transactions())
}

func TestAmountsFinerThanScaleRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100", "bob": "0"})
	ctx := context.Background()

	for _, amount := range []string{"0.00001", "1e-200000"} {
		_, err := f.engine.Deposit(ctx, "alice", dec(amount), "")
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
		_, err = f.engine.Withdraw(ctx, "alice", dec(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
		_, err = f.engine.Transfer(ctx, "alice", "bob@example.com", dec(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
	}
	assert.Empty(t, f.store.Transactions())
	assert.Equal(t, int32(0), f.balance(t, "alice").Exponent())

	res, err := f.engine.Deposit(ctx, "alice", dec("0.0001"), "")
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("100.0001")))
}

func TestTimestampsTruncatedToMillisecond(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "1000", "bob": "0"})
	ctx := context.Background()
	f.clock.Set(t0.Add(1500 * time.Microsecond))

	res, err := f.engine.Deposit(ctx, "alice", dec("1"), "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Millisecond), res.Transaction.CreatedAt)

	// the committed transfer must count towards its own velocity window
	rules := fraud.DefaultRules()
	rules.VelocityLimit = 1
	f = newFixture(t, map[string]string{"alice": "1000", "bob": "0"}, WithFraudRules(rules))
	f.clock.Set(t0.Add(999 * time.Microsecond))
	res, err = f.engine.Transfer(ctx, "alice", "bob@example.com", dec("1"))
	require.NoError(t, err)
	assert.Equal(t, t0, res.Transaction.CreatedAt)
	assert.Equal(t, fraud.ReasonVelocity, res.Transaction.FlagReason)
}

func TestDepositThenWithdraw(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "0"})
	ctx := context.Background()

	res, err := f.engine.Deposit(ctx, "alice", dec("100"), "usd")
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("100")))
	assert.Equal(t, domain.TransactionTypeDeposit, res.Transaction.Type)
	assert.Equal(t, "alice", res.Transaction.ToOwnerID)
	assert.Empty(t, res.Transaction.FromOwnerID)
	assert.Equal(t, "USD", res.Transaction.Currency)
	assert.Equal(t, t0, res.Transaction.CreatedAt)
	assert.False(t, res.Transaction.IsFlagged)

	f.clock.Advance(time.Minute)
	res, err = f.engine.Withdraw(ctx, "alice", dec("100"))
	require.NoError(t, err)
	assert.True(t, res.Balance.IsZero())
	assert.Equal(t, domain.TransactionTypeWithdrawal, res.Transaction.Type)
	assert.Equal(t, "alice", res.Transaction.FromOwnerID)
	assert.False(t, res.Transaction.IsFlagged)

	txs := f.store.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TransactionTypeDeposit, txs[0].Type)
	assert.Equal(t, domain.TransactionTypeWithdrawal, txs[1].Type)
}

func TestWithdrawExactBalance(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "250.50"})
	ctx := context.Background()

	_, err := f.engine.Withdraw(ctx, "alice", dec("250.51"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, f.balance(t, "alice").Equal(dec("250.50")))

	res, err := f.engine.Withdraw(ctx, "alice", dec("250.50"))
	require.NoError(t, err)
	assert.True(t, res.Balance.IsZero())
}

func TestUnknownWallet(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "10"})
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, "ghost", dec("1"), "")
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = f.engine.Withdraw(ctx, "ghost", dec("1"))
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = f.engine.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = f.engine.GetTransactionHistory(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = f.engine.Transfer(ctx, "ghost", "alice@example.com", dec("1"))
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestDepositCurrencyMismatch(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "10"})

	_, err := f.engine.Deposit(context.Background(), "alice", dec("5"), "EUR")
	assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	assert.True(t, f.balance(t, "alice").Equal(dec("10")))
}

func TestTransferCurrencyMismatch(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "10"})
	w, err := domain.NewWallet("eve", "EUR", dec("0"))
	require.NoError(t, err)
	require.NoError(t, f.store.AddAccount(domain.Account{ID: "eve", Email: "eve@example.com"}, w))

	_, err = f.engine.Transfer(context.Background(), "alice", "eve@example.com", dec("5"))
	assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	assert.True(t, f.balance(t, "alice").Equal(dec("10")))
}

func TestTransferMovesMoney(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100", "bob": "20"})

	res, err := f.engine.Transfer(context.Background(), "alice", "Bob@Example.com", dec("30.25"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("69.75")))
	assert.Equal(t, "alice", res.Transaction.FromOwnerID)
	assert.Equal(t, "bob", res.Transaction.ToOwnerID)
	assert.Equal(t, domain.TransactionTypeTransfer, res.Transaction.Type)

	assert.True(t, f.balance(t, "bob").Equal(dec("50.25")))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestTransferValidationOrder(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "10", "bob": "0"})
	ctx := context.Background()

	_, err := f.engine.Transfer(ctx, "alice", "nobody@example.com", dec("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.engine.Transfer(ctx, "alice", "nobody@example.com", dec("1000"))
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)

	_, err = f.engine.Transfer(ctx, "alice", "alice@example.com", dec("1000"))
	assert.ErrorIs(t, err, domain.ErrSelfTransferNotAllowed)

	_, err = f.engine.Transfer(ctx, "alice", "bob@example.com", dec("1000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Empty(t, f.store.Transactions())
}

func TestSelfTransferRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100"})

	_, err := f.engine.Transfer(context.Background(), "alice", " ALICE@example.com ", dec("50"))
	assert.ErrorIs(t, err, domain.ErrSelfTransferNotAllowed)
	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
	assert.Empty(t, f.store.Transactions())
}

func TestTransferToDeletedRecipient(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100", "bob": "0"})
	require.NoError(t, f.store.SoftDeleteAccount("bob"))

	_, err := f.engine.Transfer(context.Background(), "alice", "bob@example.com", dec("10"))
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
}

func TestFifthTransferInAnHourFlagged(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "1000", "bob": "0"})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := f.engine.Transfer(ctx, "alice", "bob@example.com", dec("10"))
		require.NoError(t, err)
		if i < 5 {
			assert.False(t, res.Transaction.IsFlagged, "transfer %d", i)
		} else {
			assert.True(t, res.Transaction.IsFlagged)
			assert.Equal(t, fraud.ReasonVelocity, res.Transaction.FlagReason)
		}
		f.clock.Advance(5 * time.Minute)
	}

	txs := f.store.Transactions()
	require.Len(t, txs, 5)
	assert.True(t, txs[4].IsFlagged, "the flag is persisted")
	assert.True(t, f.balance(t, "alice").Equal(dec("950")))
	assert.True(t, f.balance(t, "bob").Equal(dec("50")))
}

func TestTransfersSpreadOutAreNotFlagged(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "1000", "bob": "0"})

	for i := 1; i <= 6; i++ {
		res, err := f.engine.Transfer(context.Background(), "alice", "bob@example.com", dec("10"))
		require.NoError(t, err)
		assert.False(t, res.Transaction.IsFlagged, "transfer %d", i)
		f.clock.Advance(20 * time.Minute)
	}
}

func TestLargeWithdrawalFlagged(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "2000"})

	res, err := f.engine.Withdraw(context.Background(), "alice", dec("1500"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("500")))
	assert.True(t, res.Transaction.IsFlagged)
	assert.Equal(t, fraud.ReasonLargeWithdrawal, res.Transaction.FlagReason)

	var flagged *logrus.Entry
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Transaction flagged" {
			flagged = e
		}
	}
	require.NotNil(t, flagged)
	assert.Equal(t, logrus.WarnLevel, flagged.Level)
}

func TestOutlierDepositFlagged(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "0"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.Deposit(ctx, "alice", dec("10"), "")
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}
	res, err := f.engine.Deposit(ctx, "alice", dec("100"), "")
	require.NoError(t, err)
	assert.Equal(t, fraud.ReasonOutlier, res.Transaction.FlagReason)
}

func TestCustomFraudRules(t *testing.T) {
	rules := fraud.DefaultRules()
	rules.LargeWithdrawalThreshold = dec("50")
	f := newFixture(t, map[string]string{"alice": "100"}, WithFraudRules(rules))

	res, err := f.engine.Withdraw(context.Background(), "alice", dec("60"))
	require.NoError(t, err)
	assert.Equal(t, fraud.ReasonLargeWithdrawal, res.Transaction.FlagReason)
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100", "bob": "0", "carol": "0"})
	ctx := context.Background()

	first, err := f.engine.Deposit(ctx, "alice", dec("1"), "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.engine.Transfer(ctx, "alice", "bob@example.com", dec("2"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.engine.Transfer(ctx, "bob", "carol@example.com", dec("1"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	third, err := f.engine.Withdraw(ctx, "alice", dec("3"))
	require.NoError(t, err)

	require.NoError(t, f.store.SoftDeleteTransaction(first.Transaction.ID))

	txs, err := f.engine.GetTransactionHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, third.Transaction.ID, txs[0].ID)
	assert.Equal(t, second.Transaction.ID, txs[1].ID)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	for name, locker := range map[string]lock.Locker{
		"mutex": lock.NewMutexLocker(),
		"nop":   lock.NopLocker{},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"alice": "1000"}, WithLocker(locker))
			ctx := context.Background()

			var mu sync.Mutex
			succeeded := 0
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.engine.Withdraw(ctx, "alice", dec("30"))
					if err == nil {
						mu.Lock()
						succeeded++
						mu.Unlock()
						return
					}
					assert.True(t,
						errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrPersistenceFailure),
						"unexpected error %v", err)
				}()
			}
			wg.Wait()

			got := f.balance(t, "alice")
			assert.False(t, got.IsNegative())
			assert.True(t, got.Equal(dec("1000").Sub(dec("30").Mul(decimal.NewFromInt(int64(succeeded))))))
			assert.Len(t, f.store.Transactions(), succeeded)
			if name == "mutex" {
				assert.Equal(t, 33, succeeded)
			}
		})
	}
}

func TestOppositeTransfersConserveMoney(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "1000", "bob": "1000"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transfer(ctx, "alice", "bob@example.com", dec("1"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.Transfer(ctx, "bob", "alice@example.com", dec("1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, f.balance(t, "alice").Add(f.balance(t, "bob")).Equal(dec("2000")))
	assert.Len(t, f.store.Transactions(), 100)
}

// faultyStore injects failures around a memory store
type faultyStore struct {
	store.Store
	mu        sync.Mutex
	appendErr error
	flagErr   error
	commitErr error
	conflicts int
	rollbacks int
}

func (f *faultyStore) Ledger() store.TransactionLedger {
	return faultyLedger{TransactionLedger: f.Store.Ledger(), f: f}
}

func (f *faultyStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	uow, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyUnitOfWork{UnitOfWork: uow, f: f}, nil
}

type faultyUnitOfWork struct {
	store.UnitOfWork
	f *faultyStore
}

func (u *faultyUnitOfWork) Ledger() store.TransactionLedger {
	return faultyLedger{TransactionLedger: u.UnitOfWork.Ledger(), f: u.f}
}

func (u *faultyUnitOfWork) Commit() error {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	if u.f.conflicts > 0 {
		u.f.conflicts--
		return store.ErrConflict
	}
	if u.f.commitErr != nil {
		return u.f.commitErr
	}
	return u.UnitOfWork.Commit()
}

func (u *faultyUnitOfWork) Rollback() error {
	u.f.mu.Lock()
	u.f.rollbacks++
	u.f.mu.Unlock()
	return u.UnitOfWork.Rollback()
}

type faultyLedger struct {
	store.TransactionLedger
	f *faultyStore
}

func (l faultyLedger) Append(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if l.f.appendErr != nil {
		return domain.Transaction{}, l.f.appendErr
	}
	return l.TransactionLedger.Append(ctx, tx)
}

func (l faultyLedger) SetFlag(ctx context.Context, id, reason string) (domain.Transaction, error) {
	if l.f.flagErr != nil {
		return domain.Transaction{}, l.f.flagErr
	}
	return l.TransactionLedger.SetFlag(ctx, id, reason)
}

func newFaultyFixture(t *testing.T, balances map[string]string, opts ...Option) (*fixture, *faultyStore) {
	t.Helper()
	clk := clock.NewManual(t0)
	mem := memory.NewStore(memory.WithClock(clk))
	for id, b := range balances {
		w, err := domain.NewWallet(id, "USD", dec(b))
		require.NoError(t, err)
		require.NoError(t, mem.AddAccount(domain.Account{ID: id, Email: id + "@example.com"}, w))
	}
	fs := &faultyStore{Store: mem}
	return newFixtureOn(t, mem, fs, clk, opts...), fs
}

func TestAppendFailureRollsBackTransfer(t *testing.T) {
	f, fs := newFaultyFixture(t, map[string]string{"alice": "100", "bob": "0"})
	fs.appendErr = errors.New("disk full")

	_, err := f.engine.Transfer(context.Background(), "alice", "bob@example.com", dec("40"))
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.ErrorContains(t, err, "disk full")

	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
	assert.True(t, f.balance(t, "bob").IsZero())
	assert.Empty(t, f.store.Transactions())
	assert.Equal(t, 1, fs.rollbacks)
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	f, fs := newFaultyFixture(t, map[string]string{"alice": "100"})
	fs.commitErr = errors.New("connection reset")

	_, err := f.engine.Withdraw(context.Background(), "alice", dec("40"))
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
	assert.Empty(t, f.store.Transactions())
}

func TestConflictIsRetried(t *testing.T) {
	f, fs := newFaultyFixture(t, map[string]string{"alice": "100"})
	fs.conflicts = 2

	res, err := f.engine.Withdraw(context.Background(), "alice", dec("40"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("60")))
	assert.Len(t, f.store.Transactions(), 1)
	assert.Equal(t, 2, fs.rollbacks)
}

func TestConflictRetriesExhausted(t *testing.T) {
	f, fs := newFaultyFixture(t, map[string]string{"alice": "100"}, WithMaxAttempts(2))
	fs.conflicts = 5

	_, err := f.engine.Withdraw(context.Background(), "alice", dec("40"))
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.True(t, f.balance(t, "alice").Equal(dec("100")))
	assert.Equal(t, 3, fs.conflicts)
}

func TestFlagWriteFailureKeepsMovement(t *testing.T) {
	f, fs := newFaultyFixture(t, map[string]string{"alice": "2000"})
	fs.flagErr = errors.New("timeout")

	res, err := f.engine.Withdraw(context.Background(), "alice", dec("1500"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("500")))
	assert.False(t, res.Transaction.IsFlagged)

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.False(t, txs[0].IsFlagged)

	last := f.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "Failed to write fraud flag", last.Message)
	assert.Equal(t, fraud.ReasonLargeWithdrawal, last.Data["reason"])
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string, domain.Transaction, time.Time) (fraud.Verdict, error) {
	return fraud.Verdict{}, errors.New("history unavailable")
}

func TestClassifierFailureKeepsMovement(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "2000"}, WithClassifier(failingClassifier{}))

	res, err := f.engine.Withdraw(context.Background(), "alice", dec("1500"))
	require.NoError(t, err)
	assert.False(t, res.Transaction.IsFlagged)
	assert.Equal(t, "Fraud classification failed", f.hook.LastEntry().Message)
}

type blockedLocker struct{}

func (blockedLocker) Acquire(context.Context, ...string) (lock.Release, error) {
	return nil, lock.ErrNotAcquired
}

func TestLockFailureIsPersistenceFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"alice": "100"}, WithLocker(blockedLocker{}))

	_, err := f.engine.Withdraw(context.Background(), "alice", dec("1"))
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"wallet_ledger/internal/domain"
	"wallet_ledger/internal/store"
)

// Store implements store.Store and store.AccountRegistry on top of gorm. A
// unit of work is a database transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened and migrated database
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Wallets implements store.Store
func (s *Store) Wallets() store.WalletStore { return wallets{db: s.db} }

// Ledger implements store.Store
func (s *Store) Ledger() store.TransactionLedger { return txLedger{db: s.db} }

// Begin implements store.Store
func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &unitOfWork{tx: tx}, nil
}

type unitOfWork struct {
	tx   *gorm.DB
	done bool
}

func (u *unitOfWork) Wallets() store.WalletStore { return wallets{db: u.tx} }
func (u *unitOfWork) Ledger() store.TransactionLedger { return txLedger{db: u.tx} }

func (u *unitOfWork) Commit() error {
	if u.done {
		return errors.New("commit: unit of work already finished")
	}
	u.done = true
	return u.tx.Commit().Error
}

// Rollback after Commit is a no-op
func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback().Error
}

type wallets struct {
	db *gorm.DB
}

func (w wallets) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	var row Wallet
	if err := w.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Wallet{}, domain.ErrWalletNotFound
		}
		return domain.Wallet{}, err
	}
	return row.toDomain(), nil
}

// ApplyDelta updates the balance only while it still equals expected
func (w wallets) ApplyDelta(ctx context.Context, ownerID string, delta, expected decimal.Decimal) (domain.Wallet, error) {
	next := expected.Add(delta)
	if next.IsNegative() {
		return domain.Wallet{}, domain.ErrInsufficientFunds
	}
	db := w.db.WithContext(ctx)
	res := db.Model(&Wallet{}).
		Where("owner_id = ? AND balance = ?", ownerID, expected).
		Update("balance", next)
	if res.Error != nil {
		return domain.Wallet{}, res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&Wallet{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
			return domain.Wallet{}, err
		}
		if n == 0 {
			return domain.Wallet{}, domain.ErrWalletNotFound
		}
		return domain.Wallet{}, store.ErrConflict
	}
	return w.GetWallet(ctx, ownerID)
}

type txLedger struct {
	db *gorm.DB
}

func (l txLedger) Append(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	if tx.ID == "" {
		id, err := uuid.NewV7() // Time ordered, breaks created_at ties
		if err != nil {
			return domain.Transaction{}, err
		}
		tx.ID = id.String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	row := fromDomainTransaction(tx)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Transaction{}, err
	}
	return row.toDomain(), nil
}

// FindByActorAndType includes soft-deleted rows: a hidden record still
// counts towards fraud windows
func (l txLedger) FindByActorAndType(ctx context.Context, ownerID string, txType domain.TransactionType, since time.Time) ([]domain.Transaction, error) {
	var rows []Transaction
	err := l.db.WithContext(ctx).Unscoped().
		Where("from_owner_id = ? AND type = ? AND created_at >= ?", ownerID, string(txType), since.UTC()).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTransactions(rows), nil
}

func (l txLedger) FindByActor(ctx context.Context, ownerID string, since time.Time) ([]domain.Transaction, error) {
	var rows []Transaction
	err := l.db.WithContext(ctx).Unscoped().
		Where("(from_owner_id = ? OR to_owner_id = ?) AND created_at >= ?", ownerID, ownerID, since.UTC()).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTransactions(rows), nil
}

// SetFlag sets the flag once; a second call fails with ErrAlreadyFlagged
func (l txLedger) SetFlag(ctx context.Context, id, reason string) (domain.Transaction, error) {
	db := l.db.WithContext(ctx)
	res := db.Unscoped().Model(&Transaction{}).
		Where("id = ? AND is_flagged = ?", id, false).
		Updates(map[string]any{"is_flagged": true, "flag_reason": reason})
	if res.Error != nil {
		return domain.Transaction{}, res.Error
	}

	var row Transaction
	if err := db.Unscoped().First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, err
	}
	if res.RowsAffected == 0 {
		return domain.Transaction{}, domain.ErrAlreadyFlagged
	}
	return row.toDomain(), nil
}

func (l txLedger) History(ctx context.Context, ownerID string) ([]domain.Transaction, error) {
	var rows []Transaction
	err := l.db.WithContext(ctx).
		Where("from_owner_id = ? OR to_owner_id = ?", ownerID, ownerID).
		Order("created_at desc, id desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTransactions(rows), nil
}

// FindByEmail implements store.AccountDirectory
func (s *Store) FindByEmail(ctx context.Context, email string) (domain.Account, error) {
	row, err := s.account(ctx, email)
	if err != nil {
		return domain.Account{}, err
	}
	return row.toDomain(), nil
}

// Register creates the account and its zero-balance wallet together
func (s *Store) Register(ctx context.Context, reg store.Registration) (domain.Account, domain.Wallet, error) {
	acc := Account{
		ID:       uuid.NewString(),
		Email:    domain.NormalizeEmail(reg.Email),
		Password: reg.PasswordHash,
	}
	wallet, err := domain.NewWallet(acc.ID, reg.Currency, decimal.Zero)
	if err != nil {
		return domain.Account{}, domain.Wallet{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Unscoped().Model(&Account{}).Where("email = ?", acc.Email).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAccountAlreadyExists
		}
		if err := tx.Create(&acc).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAccountAlreadyExists
			}
			return err
		}
		row := Wallet{OwnerID: wallet.OwnerID, Balance: wallet.Balance, Currency: wallet.Currency}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrAccountAlreadyExists) {
			return domain.Account{}, domain.Wallet{}, err
		}
		return domain.Account{}, domain.Wallet{}, fmt.Errorf("register %s: %w", acc.Email, err)
	}
	return acc.toDomain(), wallet, nil
}

// Credentials implements store.AccountRegistry
func (s *Store) Credentials(ctx context.Context, email string) (domain.Account, string, error) {
	row, err := s.account(ctx, email)
	if err != nil {
		return domain.Account{}, "", err
	}
	return row.toDomain(), row.Password, nil
}

func (s *Store) account(ctx context.Context, email string) (Account, error) {
	var row Account
	err := s.db.WithContext(ctx).First(&row, "email = ?", domain.NormalizeEmail(email)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, domain.ErrAccountNotFound
		}
		return Account{}, err
	}
	return row, nil
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AccountRegistry = (*Store)(nil)
)

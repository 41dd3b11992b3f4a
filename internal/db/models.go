package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"wallet_ledger/internal/domain"
)

// Account is the accounts table. Email is stored normalized.
type Account struct {
	ID        string         `gorm:"primaryKey;size:36"`            // uuid
	Email     string         `gorm:"uniqueIndex;size:255;not null"` // Transfer lookup key
	Password  string         `gorm:"not null"`                      // bcrypt hash
	CreatedAt time.Time      // Registration time
	DeletedAt gorm.DeletedAt `gorm:"index"` // Soft delete
}

// Amount and balance columns are decimal(20,4); the scale is
// domain.AmountScale.

// Wallet is the wallets table, one row per account
type Wallet struct {
	OwnerID   string          `gorm:"primaryKey;size:36"`          // Account id
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null"` // Never negative
	Currency  string          `gorm:"size:3;not null"`             // ISO code
	UpdatedAt time.Time       // Last balance change
}

// Transaction is the append-only transactions table
type Transaction struct {
	ID          string          `gorm:"primaryKey;size:36"`                                // uuid v7, orders records created in the same millisecond
	FromOwnerID *string         `gorm:"size:36;index:idx_tx_from_type_created,priority:1"` // Null for deposits
	ToOwnerID   *string         `gorm:"size:36;index"`                                     // Null for withdrawals
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null"`                       // Always positive
	Type        string          `gorm:"size:16;not null;index:idx_tx_from_type_created,priority:2"`
	Currency    string          `gorm:"size:3;not null"`
	IsFlagged   bool            `gorm:"not null;default:false"`
	FlagReason  *string         `gorm:"size:255"`
	CreatedAt   time.Time       `gorm:"index:idx_tx_from_type_created,priority:3"`
	DeletedAt   gorm.DeletedAt  `gorm:"index"` // Hidden from history when set
}

func (a Account) toDomain() domain.Account {
	return domain.Account{ID: a.ID, Email: a.Email, IsDeleted: a.DeletedAt.Valid}
}

func (w Wallet) toDomain() domain.Wallet {
	return domain.Wallet{OwnerID: w.OwnerID, Balance: w.Balance, Currency: w.Currency}
}

func (t Transaction) toDomain() domain.Transaction {
	out := domain.Transaction{
		ID:        t.ID,
		Amount:    t.Amount,
		Type:      domain.TransactionType(t.Type),
		Currency:  t.Currency,
		CreatedAt: t.CreatedAt.UTC(),
		IsFlagged: t.IsFlagged,
		IsDeleted: t.DeletedAt.Valid,
	}
	if t.FromOwnerID != nil {
		out.FromOwnerID = *t.FromOwnerID
	}
	if t.ToOwnerID != nil {
		out.ToOwnerID = *t.ToOwnerID
	}
	if t.FlagReason != nil {
		out.FlagReason = *t.FlagReason
	}
	return out
}

func fromDomainTransaction(tx domain.Transaction) Transaction {
	row := Transaction{
		ID:        tx.ID,
		Amount:    tx.Amount,
		Type:      string(tx.Type),
		Currency:  tx.Currency,
		IsFlagged: tx.IsFlagged,
		CreatedAt: tx.CreatedAt.UTC(),
	}
	if tx.FromOwnerID != "" {
		row.FromOwnerID = &tx.FromOwnerID
	}
	if tx.ToOwnerID != "" {
		row.ToOwnerID = &tx.ToOwnerID
	}
	if tx.FlagReason != "" {
		row.FlagReason = &tx.FlagReason
	}
	return row
}

func toDomainTransactions(rows []Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the kind of money movement a record describes
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeTransfer   TransactionType = "TRANSFER"
)

// Valid reports whether t is one of the known types
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeTransfer:
		return true
	}
	return false
}

// Transaction is an immutable ledger record. Only IsFlagged and FlagReason
// change after append, and only once.
type Transaction struct {
	ID          string          `json:"id"`                      // Assigned by the ledger on append
	FromOwnerID string          `json:"from_owner_id,omitempty"` // Debited party (WITHDRAWAL, TRANSFER)
	ToOwnerID   string          `json:"to_owner_id,omitempty"`   // Credited party (DEPOSIT, TRANSFER)
	Amount      decimal.Decimal `json:"amount"`                  // Always positive
	Type        TransactionType `json:"type"`                    // DEPOSIT, WITHDRAWAL or TRANSFER
	Currency    string          `json:"currency"`                // Currency of the amount
	CreatedAt   time.Time       `json:"created_at"`              // Commit time
	IsFlagged   bool            `json:"is_flagged"`              // Set by fraud annotation
	FlagReason  string          `json:"flag_reason,omitempty"`   // Why the record was flagged
	IsDeleted   bool            `json:"-"`                       // Hidden from history when set
}

// AmountScale is the number of decimal places a money amount may carry. The
// amount and balance columns are decimal(20,4) and must stay in step.
const AmountScale = 4

// minAmountExponent bounds how many trailing zeros are rescaled before an
// amount is rejected outright
const minAmountExponent = -32

// ValidateAmount rejects zero and negative amounts, and amounts finer than
// AmountScale decimal places
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if exp := amount.Exponent(); exp < -AmountScale {
		// 1.50000 is fine, 1.00001 is not
		if exp < minAmountExponent || !amount.Equal(amount.Truncate(AmountScale)) {
			return ErrInvalidAmount
		}
	}
	return nil
}

// NewDeposit builds a DEPOSIT crediting to
func NewDeposit(to string, amount decimal.Decimal, currency string, at time.Time) (Transaction, error) {
	return newTransaction(TransactionTypeDeposit, "", to, amount, currency, at)
}

// NewWithdrawal builds a WITHDRAWAL debiting from
func NewWithdrawal(from string, amount decimal.Decimal, currency string, at time.Time) (Transaction, error) {
	return newTransaction(TransactionTypeWithdrawal, from, "", amount, currency, at)
}

// NewTransfer builds a TRANSFER moving amount from one owner to another
func NewTransfer(from, to string, amount decimal.Decimal, currency string, at time.Time) (Transaction, error) {
	return newTransaction(TransactionTypeTransfer, from, to, amount, currency, at)
}

func newTransaction(t TransactionType, from, to string, amount decimal.Decimal, currency string, at time.Time) (Transaction, error) {
	tx := Transaction{
		FromOwnerID: from,
		ToOwnerID:   to,
		Amount:      amount,
		Type:        t,
		Currency:    NormalizeCurrency(currency),
		CreatedAt:   at,
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Validate checks the amount and the party invariants of the record type
func (t Transaction) Validate() error {
	if err := ValidateAmount(t.Amount); err != nil {
		return err
	}
	switch t.Type {
	case TransactionTypeDeposit:
		if t.ToOwnerID == "" || t.FromOwnerID != "" {
			return fmt.Errorf("%w: deposit needs a destination only", ErrInvalidTransaction)
		}
	case TransactionTypeWithdrawal:
		if t.FromOwnerID == "" || t.ToOwnerID != "" {
			return fmt.Errorf("%w: withdrawal needs a source only", ErrInvalidTransaction)
		}
	case TransactionTypeTransfer:
		if t.FromOwnerID == "" || t.ToOwnerID == "" {
			return fmt.Errorf("%w: transfer needs both parties", ErrInvalidTransaction)
		}
		if t.FromOwnerID == t.ToOwnerID {
			return ErrSelfTransferNotAllowed
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, t.Type)
	}
	return nil
}

// Touches reports whether ownerID is the source or destination of the record
func (t Transaction) Touches(ownerID string) bool {
	return t.FromOwnerID == ownerID || t.ToOwnerID == ownerID
}

// Actor returns the party fraud screening is done for: the debited party of
// withdrawals and transfers, the credited party of deposits.
func (t Transaction) Actor() string {
	if t.Type == TransactionTypeDeposit {
		return t.ToOwnerID
	}
	return t.FromOwnerID
}

// Parties returns the owner ids the record moves money between
func (t Transaction) Parties() []string {
	switch t.Type {
	case TransactionTypeDeposit:
		return []string{t.ToOwnerID}
	case TransactionTypeWithdrawal:
		return []string{t.FromOwnerID}
	}
	return []string{t.FromOwnerID, t.ToOwnerID}
}

// Flag returns the record annotated with reason
func (t Transaction) Flag(reason string) (Transaction, error) {
	if t.IsFlagged {
		return t, ErrAlreadyFlagged
	}
	t.IsFlagged = true
	t.FlagReason = reason
	return t, nil
}

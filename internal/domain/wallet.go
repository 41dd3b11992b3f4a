package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Wallet holds the balance of one account. Balance is never negative.
type Wallet struct {
	OwnerID  string          `json:"owner_id"` // Account the wallet belongs to
	Balance  decimal.Decimal `json:"balance"`  // Current balance
	Currency string          `json:"currency"` // ISO-4217 code, upper-case
}

// NewWallet builds a wallet, rejecting a negative opening balance
func NewWallet(ownerID, currency string, balance decimal.Decimal) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, fmt.Errorf("wallet owner is required: %w", ErrAccountNotFound)
	}
	if balance.IsNegative() {
		return Wallet{}, ErrInsufficientFunds
	}
	return Wallet{OwnerID: ownerID, Balance: balance, Currency: NormalizeCurrency(currency)}, nil
}

// Credit returns the wallet with amount added
func (w Wallet) Credit(amount decimal.Decimal) (Wallet, error) {
	if err := ValidateAmount(amount); err != nil {
		return w, err
	}
	w.Balance = w.Balance.Add(amount)
	return w, nil
}

// Debit returns the wallet with amount removed. The balance may reach zero
// but never go below it.
func (w Wallet) Debit(amount decimal.Decimal) (Wallet, error) {
	if err := ValidateAmount(amount); err != nil {
		return w, err
	}
	if w.Balance.LessThan(amount) {
		return w, ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	return w, nil
}

// CanCover reports whether the balance covers amount
func (w Wallet) CanCover(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

// NormalizeCurrency upper-cases and trims a currency code
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

package domain

import "strings"

// Account is the identity a wallet belongs to. Its lifecycle is managed
// outside the ledger; the engine only resolves recipients through it.
type Account struct {
	ID        string `json:"id"`    // Opaque account id
	Email     string `json:"email"` // Lookup key used by transfers
	IsDeleted bool   `json:"-"`     // Soft-deleted accounts never resolve
}

// Active reports whether the account can take part in a transfer
func (a Account) Active() bool {
	return a.ID != "" && !a.IsDeleted
}

// NormalizeEmail lower-cases and trims a lookup key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

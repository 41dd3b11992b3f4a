package api

import (
	"context"  // Request contexts
	"errors"   // Error matching
	"net/http" // HTTP status codes
	"strconv"  // String conversion

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money amounts
	"github.com/sirupsen/logrus"    // Logging library

	"wallet_ledger/internal/domain"     // Domain models and errors
	"wallet_ledger/internal/ledger"     // Engine results
	"wallet_ledger/internal/middleware" // Authenticated account id
	"wallet_ledger/internal/utils"      // Cache keys
)

// LedgerService is the part of the ledger engine the wallet routes use
type LedgerService interface {
	Deposit(ctx context.Context, ownerID string, amount decimal.Decimal, currency string) (ledger.Result, error)
	Withdraw(ctx context.Context, ownerID string, amount decimal.Decimal) (ledger.Result, error)
	Transfer(ctx context.Context, fromOwnerID, toLookupKey string, amount decimal.Decimal) (ledger.Result, error)
	GetBalance(ctx context.Context, ownerID string) (domain.Wallet, error)
	GetTransactionHistory(ctx context.Context, ownerID string) ([]domain.Transaction, error)
}

// DepositRequest represents a deposit request
type DepositRequest struct {
	Amount   decimal.Decimal `json:"amount"`   // Deposit amount
	Currency string          `json:"currency"` // Optional, must match the wallet
}

// WithdrawRequest represents a withdrawal request
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"` // Withdrawal amount
}

// TransferRequest represents a transfer request
type TransferRequest struct {
	ToEmail string          `json:"to_email"` // Recipient email, resolved after the amount is checked
	Amount  decimal.Decimal `json:"amount"`   // Transfer amount
}

// historyPage is one cached page of transaction history
type historyPage struct {
	Transactions []domain.Transaction `json:"transactions"` // List of transactions
	Page         int                  `json:"page"`         // Current page
	PageSize     int                  `json:"page_size"`    // Page size
	Total        int                  `json:"total"`        // Total transactions
	TotalPages   int                  `json:"total_pages"`  // Total pages
}

// statusFor maps engine errors onto HTTP statuses
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransferNotAllowed),
		errors.Is(err, domain.ErrCurrencyMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrWalletNotFound),
		errors.Is(err, domain.ErrRecipientNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, err.Error()
	}
	return http.StatusInternalServerError, "Transaction failed"
}

func abortWithError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	c.JSON(status, gin.H{"error": msg})
}

func respondMovement(c *gin.Context, cache *Cache, message string, res ledger.Result) {
	// Invalidate wallet and transaction history cache of every party
	cache.invalidate(c.Request.Context(), res.Transaction.Parties()...)
	c.JSON(http.StatusOK, gin.H{
		"message":     message,
		"transaction": res.Transaction,
		"balance":     res.Balance,
	})
}

// DepositHandler credits the authenticated account's wallet
func DepositHandler(svc LedgerService, cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		res, err := svc.Deposit(c.Request.Context(), userID, req.Amount, req.Currency)
		if err != nil {
			abortWithError(c, err)
			return
		}
		respondMovement(c, cache, "Deposit successful", res)
	}
}

// WithdrawHandler debits the authenticated account's wallet
func WithdrawHandler(svc LedgerService, cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		var req WithdrawRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		res, err := svc.Withdraw(c.Request.Context(), userID, req.Amount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		respondMovement(c, cache, "Withdrawal successful", res)
	}
}

// TransferHandler moves funds to the wallet of another account
func TransferHandler(svc LedgerService, cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		res, err := svc.Transfer(c.Request.Context(), userID, req.ToEmail, req.Amount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		respondMovement(c, cache, "Transfer successful", res)
	}
}

// GetWalletHandler returns wallet info for the authenticated account
func GetWalletHandler(svc LedgerService, cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		ctx := c.Request.Context()
		cacheKey := utils.WalletKey(userID)
		var wallet domain.Wallet
		if cache.get(ctx, cacheKey, &wallet) {
			c.JSON(http.StatusOK, gin.H{"wallet": wallet, "cached": true})
			return
		}
		wallet, err := svc.GetBalance(ctx, userID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		cache.set(ctx, cacheKey, wallet)
		c.JSON(http.StatusOK, gin.H{"wallet": wallet, "cached": false})
	}
}

// GetTransactionHistoryHandler returns one page of the authenticated
// account's history, newest first
func GetTransactionHistoryHandler(svc LedgerService, cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		page := 1      // Default page
		pageSize := 20 // Default page size
		if p := c.Query("page"); p != "" {
			if v, err := strconv.Atoi(p); err == nil && v > 0 {
				page = v
			}
		}
		if ps := c.Query("page_size"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
				pageSize = v
			}
		}

		ctx := c.Request.Context()
		cacheKey := utils.HistoryKey(userID, page, pageSize)
		var cached historyPage
		if cache.get(ctx, cacheKey, &cached) {
			c.JSON(http.StatusOK, gin.H{
				"transactions": cached.Transactions,
				"page":         cached.Page,
				"page_size":    cached.PageSize,
				"total":        cached.Total,
				"total_pages":  cached.TotalPages,
				"cached":       true,
			})
			return
		}

		txs, err := svc.GetTransactionHistory(ctx, userID)
		if err != nil {
			if status, _ := statusFor(err); status == http.StatusInternalServerError {
				logrus.WithFields(logrus.Fields{
					"owner_id": userID,
					"error":    err.Error(),
				}).Error("Failed to fetch transactions")
			}
			abortWithError(c, err)
			return
		}
		resp := paginate(txs, page, pageSize)
		cache.set(ctx, cacheKey, resp)
		c.JSON(http.StatusOK, gin.H{
			"transactions": resp.Transactions,
			"page":         resp.Page,
			"page_size":    resp.PageSize,
			"total":        resp.Total,
			"total_pages":  resp.TotalPages,
			"cached":       false,
		})
	}
}

func paginate(txs []domain.Transaction, page, pageSize int) historyPage {
	total := len(txs)
	offset := (page - 1) * pageSize
	if offset > total {
		offset = total
	}
	end := offset + pageSize
	if end > total {
		end = total
	}
	return historyPage{
		Transactions: append([]domain.Transaction{}, txs[offset:end]...),
		Page:         page,
		PageSize:     pageSize,
		Total:        total,
		TotalPages:   (total + pageSize - 1) / pageSize,
	}
}

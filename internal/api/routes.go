package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"wallet_ledger/internal/middleware"
	"wallet_ledger/internal/store"
)

// Deps are the collaborators of the HTTP routes
type Deps struct {
	Accounts        store.AccountRegistry
	Ledger          LedgerService
	Cache           *Cache // nil disables caching
	JWTSecret       string
	JWTTTL          time.Duration
	DefaultCurrency string
}

// RegisterRoutes mounts the auth and wallet routes on r
func RegisterRoutes(r gin.IRouter, d Deps) {
	// Auth routes
	r.POST("/user", RegisterHandler(d.Accounts, d.DefaultCurrency))
	r.POST("/user/login", LoginHandler(d.Accounts, d.JWTSecret, d.JWTTTL))

	// Wallet routes (protected by JWT)
	walletGroup := r.Group("/wallet")
	walletGroup.Use(middleware.JWTAuthMiddleware(d.JWTSecret))
	walletGroup.GET("", GetWalletHandler(d.Ledger, d.Cache))
	walletGroup.POST("/deposit", DepositHandler(d.Ledger, d.Cache))
	walletGroup.POST("/withdraw", WithdrawHandler(d.Ledger, d.Cache))
	walletGroup.POST("/transfer", TransferHandler(d.Ledger, d.Cache))
	walletGroup.GET("/transactions", GetTransactionHistoryHandler(d.Ledger, d.Cache))
}

package api

import (
	"errors"   // Error matching
	"net/http" // HTTP status codes
	"time"     // Token lifetime

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"golang.org/x/crypto/bcrypt" // Password hashing

	"wallet_ledger/internal/domain" // Domain errors
	"wallet_ledger/internal/store"  // Account registry
	"wallet_ledger/internal/utils"  // JWT utility functions
)

// RegisterRequest opens an account with its wallet
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"` // Login and transfer lookup key
	Password string `json:"password" binding:"required"`    // Plain password, hashed before storage
	Currency string `json:"currency"`                       // Wallet currency, defaults when empty
}

// LoginRequest exchanges credentials for a token
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`    // Email must be provided
	Password string `json:"password" binding:"required"` // Password must be provided
}

// AuthResponse struct for authentication
type AuthResponse struct {
	Token string `json:"token"` // JWT token
}

// isValidPassword checks the password length, bcrypt ignores bytes past 72
func isValidPassword(password string) bool {
	return len(password) >= 8 && len(password) <= 72
}

// isValidCurrency accepts empty or three-letter codes
func isValidCurrency(currency string) bool {
	if currency == "" {
		return true
	}
	if len(currency) != 3 {
		return false
	}
	for _, r := range currency {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// RegisterHandler creates an account and its zero-balance wallet
func RegisterHandler(accounts store.AccountRegistry, defaultCurrency string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		if !isValidPassword(req.Password) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Password must be 8-72 characters"})
			return
		}
		if !isValidCurrency(req.Currency) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Currency must be a three-letter code"})
			return
		}
		currency := req.Currency
		if currency == "" {
			currency = defaultCurrency
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}
		acc, wallet, err := accounts.Register(c.Request.Context(), store.Registration{
			Email:        req.Email,
			PasswordHash: string(hash),
			Currency:     currency,
		})
		if errors.Is(err, domain.ErrAccountAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}
		if err != nil {
			logrus.WithField("error", err.Error()).Error("Registration failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration failed"})
			return
		}
		logrus.WithFields(logrus.Fields{
			"owner_id":  acc.ID,
			"currency":  wallet.Currency,
			"timestamp": time.Now().Format(time.RFC3339),
		}).Info("Account registered")
		c.JSON(http.StatusCreated, gin.H{"message": "Account registered successfully", "account": acc, "wallet": wallet})
	}
}

// LoginHandler authenticates an account and returns a JWT token
func LoginHandler(accounts store.AccountRegistry, jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		acc, hash, err := accounts.Credentials(c.Request.Context(), req.Email)
		if err != nil {
			if !errors.Is(err, domain.ErrAccountNotFound) {
				logrus.WithField("error", err.Error()).Error("Credential lookup failed")
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		// Compare provided password with stored hash
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		token, err := utils.GenerateJWT(acc.ID, jwtSecret, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, AuthResponse{Token: token})
	}
}
